package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/storage"
)

// ErrTempRetained is returned alongside a valid Final object when the Temp
// copy could not be deleted after promotion. The Final object is intact.
var ErrTempRetained = errors.New("temp object retained after promotion")

// Stager moves objects through the Raw, Temp and Final stages.
type Stager struct {
	gw      storage.Gateway
	allowed map[string]struct{}
	now     func() time.Time
	shortID func() string
	logger  *slog.Logger
}

// Option configures a Stager.
type Option func(*Stager)

// WithClock overrides the time source used for Raw key timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Stager) { s.now = now }
}

// WithShortID overrides the random suffix generator used in Raw keys.
func WithShortID(fn func() string) Option {
	return func(s *Stager) { s.shortID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stager) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStager creates a Stager. allowedTypes is the set of MIME types accepted
// by UploadRaw.
func NewStager(gw storage.Gateway, allowedTypes []string, opts ...Option) *Stager {
	s := &Stager{
		gw:      gw,
		allowed: make(map[string]struct{}, len(allowedTypes)),
		now:     time.Now,
		shortID: func() string { return uuid.NewString()[:8] },
		logger:  slog.Default(),
	}
	for _, t := range allowedTypes {
		s.allowed[normalizeContentType(t)] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allowed reports whether contentType may be uploaded.
func (s *Stager) Allowed(contentType string) bool {
	_, ok := s.allowed[normalizeContentType(contentType)]
	return ok
}

// UploadRaw validates the declared content type and writes body as a new Raw
// object. Nothing is written when validation fails.
func (s *Stager) UploadRaw(ctx context.Context, body io.Reader, size int64, ownerID, filename, declaredType string) (StagedObject, error) {
	const op = "staging.upload_raw"

	if err := validateOwner(ownerID); err != nil {
		return StagedObject{}, apperr.Wrap(apperr.KindValidation, op, err, "invalid user id")
	}
	contentType := normalizeContentType(declaredType)
	if !s.Allowed(contentType) {
		return StagedObject{}, apperr.Newf(apperr.KindValidation, op, "content type %q is not allowed", declaredType)
	}

	name := rawFilename(s.now(), s.shortID(), extensionFor(filename, contentType))
	obj := StagedObject{
		Key:         rawKey(ownerID, name),
		Stage:       StageRaw,
		OwnerID:     ownerID,
		ContentType: contentType,
		Filename:    name,
		Size:        size,
	}

	if err := s.gw.Put(ctx, obj.Key, body, size, contentType); err != nil {
		return StagedObject{}, err
	}
	if size < 0 {
		if info, err := s.gw.Stat(ctx, obj.Key); err == nil {
			obj.Size = info.Size
		}
	}

	s.logger.Debug("raw object stored",
		slog.String("key", obj.Key),
		slog.String("owner_id", ownerID),
		slog.Int64("size", obj.Size),
	)
	return obj, nil
}

// CopyToTemp copies a Raw object into the processing area. On failure Raw is
// untouched and no Temp object exists.
func (s *Stager) CopyToTemp(ctx context.Context, raw StagedObject) (StagedObject, error) {
	const op = "staging.copy_to_temp"
	if err := requireStage(op, raw, StageRaw); err != nil {
		return StagedObject{}, err
	}

	temp := TempOf(raw)
	if err := s.gw.Copy(ctx, raw.Key, temp.Key); err != nil {
		return StagedObject{}, err
	}
	return temp, nil
}

// PromoteToFinal copies a Temp object to Final and only then deletes the Temp
// copy. A failure between the two steps leaves a duplicate, never a loss; in
// that case the Final object is returned together with ErrTempRetained.
func (s *Stager) PromoteToFinal(ctx context.Context, temp StagedObject) (StagedObject, error) {
	const op = "staging.promote_to_final"
	if err := requireStage(op, temp, StageTemp); err != nil {
		return StagedObject{}, err
	}

	final := temp
	final.Stage = StageFinal
	final.Key = finalKey(temp.OwnerID, temp.Filename)
	final.Parent = temp.Key

	if err := s.gw.Copy(ctx, temp.Key, final.Key); err != nil {
		return StagedObject{}, err
	}
	if err := s.gw.Delete(ctx, temp.Key); err != nil {
		s.logger.Warn("temp object retained after promotion",
			slog.String("temp_key", temp.Key),
			slog.String("final_key", final.Key),
			slog.String("error", err.Error()),
		)
		return final, fmt.Errorf("%w: %w", ErrTempRetained, err)
	}
	return final, nil
}

// DiscardTemp deletes a Temp object. It is idempotent and refuses any object
// outside the Temp stage.
func (s *Stager) DiscardTemp(ctx context.Context, temp StagedObject) error {
	const op = "staging.discard_temp"
	if temp.IsZero() {
		return nil
	}
	if err := requireStage(op, temp, StageTemp); err != nil {
		return err
	}
	if !strings.HasPrefix(temp.Key, tempPrefix+"/") {
		return apperr.Newf(apperr.KindInternal, op, "refusing to discard non-temp key %q", temp.Key)
	}
	return s.gw.Delete(ctx, temp.Key)
}

// Open reads a staged object.
func (s *Stager) Open(ctx context.Context, obj StagedObject) (io.ReadCloser, error) {
	return s.gw.Open(ctx, obj.Key)
}

// WriteDerived stores transformer output for parent as a new Temp object.
func (s *Stager) WriteDerived(ctx context.Context, parent StagedObject, body io.Reader, size int64) (StagedObject, error) {
	const op = "staging.write_derived"
	if err := requireStage(op, parent, StageTemp); err != nil {
		return StagedObject{}, err
	}
	derived := DerivedOf(parent)
	derived.Size = size
	if err := s.gw.Put(ctx, derived.Key, body, size, derived.ContentType); err != nil {
		return StagedObject{}, err
	}
	return derived, nil
}

// CopyDerived stores an unmodified copy of parent as a new Temp object.
func (s *Stager) CopyDerived(ctx context.Context, parent StagedObject) (StagedObject, error) {
	const op = "staging.copy_derived"
	if err := requireStage(op, parent, StageTemp); err != nil {
		return StagedObject{}, err
	}
	derived := DerivedOf(parent)
	if err := s.gw.Copy(ctx, parent.Key, derived.Key); err != nil {
		return StagedObject{}, err
	}
	return derived, nil
}

// Link returns a time-limited read URL for a Final object.
func (s *Stager) Link(ctx context.Context, final StagedObject, ttl time.Duration) (string, error) {
	if err := requireStage("staging.link", final, StageFinal); err != nil {
		return "", err
	}
	return s.gw.GenerateLink(ctx, final.Key, ttl)
}

// TempOf returns the Temp object CopyToTemp creates for raw.
func TempOf(raw StagedObject) StagedObject {
	temp := raw
	temp.Stage = StageTemp
	temp.Key = tempKey(raw.OwnerID, raw.Filename)
	temp.Parent = raw.Key
	return temp
}

// DerivedOf returns the Temp object that holds transformer output for parent.
func DerivedOf(parent StagedObject) StagedObject {
	name := DerivedPrefix + parent.Filename
	return StagedObject{
		Key:         path.Join(path.Dir(parent.Key), name),
		Stage:       StageTemp,
		OwnerID:     parent.OwnerID,
		ContentType: parent.ContentType,
		Filename:    name,
		Size:        parent.Size,
		Parent:      parent.Key,
	}
}

func requireStage(op string, obj StagedObject, want Stage) error {
	if obj.IsZero() {
		return apperr.Newf(apperr.KindInternal, op, "missing %s object", want)
	}
	if obj.Stage != want {
		return apperr.Newf(apperr.KindInternal, op, "expected %s object, got %s", want, obj.Stage)
	}
	return nil
}
