package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/content-vault/internal/apperr"
)

// Link verification errors returned by LocalGateway.VerifyLink.
var (
	ErrLinkExpired   = errors.New("link expired")
	ErrLinkSignature = errors.New("link signature mismatch")
)

// LocalGateway implements Gateway on a local directory. Writes go to a
// temporary file in the destination directory and are renamed into place, so
// readers never observe a partial object. Links are HMAC-signed URLs served by
// the HTTP layer.
type LocalGateway struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// LocalOption configures a LocalGateway.
type LocalOption func(*LocalGateway)

// WithLinkSecret sets the HMAC key used to sign links. When unset a random key
// is generated, which invalidates links across restarts.
func WithLinkSecret(secret string) LocalOption {
	return func(g *LocalGateway) {
		if secret != "" {
			g.secret = []byte(secret)
		}
	}
}

// WithClock overrides the time source used for link expiry.
func WithClock(now func() time.Time) LocalOption {
	return func(g *LocalGateway) { g.now = now }
}

// NewLocalGateway creates a LocalGateway rooted at root. The directory is
// created if it doesn't exist. baseURL is the public prefix that serves
// objects, e.g. "http://localhost:8080/files".
func NewLocalGateway(root, baseURL string, opts ...LocalOption) (*LocalGateway, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "content-vault", "objects")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	g := &LocalGateway{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.secret) == 0 {
		g.secret = make([]byte, 32)
		if _, err := rand.Read(g.secret); err != nil {
			return nil, fmt.Errorf("generate link secret: %w", err)
		}
	}
	return g, nil
}

// Root returns the storage directory.
func (g *LocalGateway) Root() string {
	return g.root
}

// Put writes body to key atomically. The content type is derived from the
// key's extension when the object is read back.
func (g *LocalGateway) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	const op = "local.put"
	if err := ctx.Err(); err != nil {
		return classify(op, key, err, false)
	}
	dst, err := g.path(key)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "invalid object key")
	}
	if err := g.writeAtomic(ctx, dst, body); err != nil {
		return classify(op, key, err, false)
	}
	return nil
}

// Open returns the object's file.
func (g *LocalGateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	const op = "local.open"
	if err := ctx.Err(); err != nil {
		return nil, classify(op, key, err, false)
	}
	p, err := g.path(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, "invalid object key")
	}
	f, err := os.Open(p) // #nosec G304 - path is confined to the storage root
	if err != nil {
		return nil, classify(op, key, err, errors.Is(err, fs.ErrNotExist))
	}
	return f, nil
}

// Stat returns the object's metadata.
func (g *LocalGateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	const op = "local.stat"
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, classify(op, key, err, false)
	}
	p, err := g.path(key)
	if err != nil {
		return ObjectInfo{}, apperr.Wrap(apperr.KindValidation, op, err, "invalid object key")
	}
	fi, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, classify(op, key, err, errors.Is(err, fs.ErrNotExist))
	}
	if fi.IsDir() {
		return ObjectInfo{}, classify(op, key, fs.ErrNotExist, true)
	}
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: fi.ModTime(),
	}, nil
}

// Copy duplicates srcKey to dstKey through a temporary file.
func (g *LocalGateway) Copy(ctx context.Context, srcKey, dstKey string) error {
	const op = "local.copy"
	if err := ctx.Err(); err != nil {
		return classify(op, srcKey, err, false)
	}
	src, err := g.path(srcKey)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "invalid source key")
	}
	dst, err := g.path(dstKey)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "invalid destination key")
	}

	in, err := os.Open(src) // #nosec G304 - path is confined to the storage root
	if err != nil {
		return classify(op, srcKey, err, errors.Is(err, fs.ErrNotExist))
	}
	defer func() { _ = in.Close() }()

	if err := g.writeAtomic(ctx, dst, in); err != nil {
		return classify(op, dstKey, err, false)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (g *LocalGateway) Delete(ctx context.Context, key string) error {
	const op = "local.delete"
	if err := ctx.Err(); err != nil {
		return classify(op, key, err, false)
	}
	p, err := g.path(key)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "invalid object key")
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify(op, key, err, false)
	}
	return nil
}

// GenerateLink returns a signed URL valid for ttl.
func (g *LocalGateway) GenerateLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := g.Stat(ctx, key); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(g.now().Add(ttl).Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", g.sign(key, expires))
	return g.baseURL + "/" + escapeKey(key) + "?" + q.Encode(), nil
}

// VerifyLink checks a link's expiry and signature for key.
func (g *LocalGateway) VerifyLink(key, expires, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrLinkSignature
	}
	got, _ := hex.DecodeString(g.sign(key, expires))
	if !hmac.Equal(got, want) {
		return ErrLinkSignature
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrLinkSignature
	}
	if g.now().Unix() > exp {
		return ErrLinkExpired
	}
	return nil
}

func (g *LocalGateway) sign(key, expires string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// path maps key to a file under root, rejecting keys that would escape it.
func (g *LocalGateway) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(g.root, filepath.FromSlash(key)), nil
}

func (g *LocalGateway) writeAtomic(ctx context.Context, dst string, body io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: body}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
