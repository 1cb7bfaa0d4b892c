// Package transform defines the content transformer boundary and ships two
// implementations: a pass-through copy and an ffmpeg renderer.
package transform

import (
	"context"
	"io"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
)

// Transformer rewrites a Temp object according to a style profile.
//
// On success it returns a new Temp object with a different key; the source is
// left for the caller to discard. Errors are classified as
// apperr.KindTransient, apperr.KindUnsupported or apperr.KindCorrupt. When an
// error is returned together with a non-zero object, that object is partial
// output the caller must discard.
type Transformer interface {
	Transform(ctx context.Context, source staging.StagedObject, profile preference.Profile) (staging.StagedObject, error)
}

// Workspace is the staging surface a transformer may use.
type Workspace interface {
	Open(ctx context.Context, obj staging.StagedObject) (io.ReadCloser, error)
	WriteDerived(ctx context.Context, parent staging.StagedObject, body io.Reader, size int64) (staging.StagedObject, error)
	CopyDerived(ctx context.Context, parent staging.StagedObject) (staging.StagedObject, error)
}

// asProcessing reclassifies storage failures raised inside a transformer as
// transient processing failures. Cancellation and not-found pass through.
func asProcessing(op string, err error) error {
	if err == nil {
		return nil
	}
	switch apperr.KindOf(err) {
	case apperr.KindCancelled, apperr.KindNotFound, apperr.KindTransient, apperr.KindUnsupported, apperr.KindCorrupt:
		return err
	default:
		return apperr.Wrap(apperr.KindTransient, op, err, "transform storage step failed")
	}
}
