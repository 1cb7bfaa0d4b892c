package transform

import (
	"context"

	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
)

// Passthrough copies the source unchanged. It is used when no render engine
// is configured and as the reference transformer in tests.
type Passthrough struct {
	ws Workspace
}

// NewPassthrough creates a Passthrough transformer.
func NewPassthrough(ws Workspace) *Passthrough {
	return &Passthrough{ws: ws}
}

// Transform copies source to its derived key.
func (p *Passthrough) Transform(ctx context.Context, source staging.StagedObject, _ preference.Profile) (staging.StagedObject, error) {
	out, err := p.ws.CopyDerived(ctx, source)
	if err != nil {
		return staging.StagedObject{}, asProcessing("transform.passthrough", err)
	}
	return out, nil
}
