package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/content-vault/internal/apperr"
)

const testBucket = "test-bucket"

// fakeS3 is a minimal path-style S3 endpoint backed by a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    bool
	calls   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.fail {
		writeS3Error(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")

	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			src, _ = url.PathUnescape(src)
			src = strings.TrimPrefix(strings.TrimPrefix(src, "/"), testBucket+"/")
			data, ok := f.objects[src]
			if !ok {
				writeS3Error(w, r, http.StatusNotFound, "NoSuchKey")
				return
			}
			f.objects[key] = append([]byte(nil), data...)
			f.types[key] = f.types[src]
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<CopyObjectResult><ETag>"etag"</ETag><LastModified>2026-01-01T00:00:00.000Z</LastModified></CopyObjectResult>`)
			return
		}
		body, err := readS3Body(r)
		if err != nil {
			writeS3Error(w, r, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", f.types[key])
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}

	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeS3Error(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

// readS3Body returns the payload, decoding aws-chunked framing when present.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") &&
		!strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func setupS3Gateway(t *testing.T) (*S3Gateway, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	g, err := NewS3Gateway(context.Background(), S3Config{
		Bucket:          testBucket,
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	}, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	require.NoError(t, err)
	return g, fake
}

func TestNewS3Gateway_RequiresBucket(t *testing.T) {
	_, err := NewS3Gateway(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestS3Gateway_PutAndOpen(t *testing.T) {
	g, fake := setupS3Gateway(t)
	ctx := context.Background()

	err := g.Put(ctx, "raw-uploads/u1/original-videos/a.mp4", strings.NewReader("video bytes"), 11, "video/mp4")
	require.NoError(t, err)

	stored, ok := fake.object("raw-uploads/u1/original-videos/a.mp4")
	require.True(t, ok)
	assert.Equal(t, "video bytes", string(stored))

	assert.Equal(t, []byte("video bytes"), readObject(t, g, "raw-uploads/u1/original-videos/a.mp4"))
}

func TestS3Gateway_Stat(t *testing.T) {
	g, _ := setupS3Gateway(t)
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "k/a.mp4", strings.NewReader("12345"), 5, "video/mp4"))

	info, err := g.Stat(ctx, "k/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "video/mp4", info.ContentType)

	_, err = g.Stat(ctx, "k/missing.mp4")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestS3Gateway_Copy(t *testing.T) {
	g, fake := setupS3Gateway(t)
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "raw-uploads/u1/original-videos/a b.mp4", strings.NewReader("payload"), 7, "video/mp4"))

	t.Run("copies existing object", func(t *testing.T) {
		require.NoError(t, g.Copy(ctx, "raw-uploads/u1/original-videos/a b.mp4", "temp-processing/u1/a b.mp4"))
		data, ok := fake.object("temp-processing/u1/a b.mp4")
		require.True(t, ok)
		assert.Equal(t, "payload", string(data))
	})

	t.Run("missing source is not found", func(t *testing.T) {
		err := g.Copy(ctx, "raw-uploads/u1/original-videos/none.mp4", "temp-processing/u1/none.mp4")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		_, ok := fake.object("temp-processing/u1/none.mp4")
		assert.False(t, ok)
	})
}

func TestS3Gateway_DeleteIsIdempotent(t *testing.T) {
	g, _ := setupS3Gateway(t)
	ctx := context.Background()

	require.NoError(t, g.Delete(ctx, "never/existed.mp4"))
	require.NoError(t, g.Delete(ctx, "never/existed.mp4"))
}

func TestS3Gateway_GenerateLink(t *testing.T) {
	g, _ := setupS3Gateway(t)
	ctx := context.Background()
	key := "processed-content/u1/final-videos/processed_a.mp4"
	require.NoError(t, g.Put(ctx, key, strings.NewReader("final"), 5, "video/mp4"))

	link, err := g.GenerateLink(ctx, key, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Contains(t, u.Path, key)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestS3Gateway_GenerateLinkMissingObject(t *testing.T) {
	g, _ := setupS3Gateway(t)

	_, err := g.GenerateLink(context.Background(), "processed-content/u1/final-videos/none.mp4", time.Hour)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestS3Gateway_ProviderFailureIsStorageError(t *testing.T) {
	g, fake := setupS3Gateway(t)
	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()

	err := g.Copy(context.Background(), "a.mp4", "b.mp4")
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.NotContains(t, apperr.PublicMessage(err), "InternalError", "provider text must not leak")
}
