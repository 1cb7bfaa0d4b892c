package pipeline

import (
	"context"
	"strings"

	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
)

// Classifier assigns a content type to a Raw object. The orchestrator falls
// back to its default content type when Classify fails.
type Classifier interface {
	Classify(ctx context.Context, obj staging.StagedObject, hint string) (preference.ContentType, error)
}

// HintClassifier trusts a client-supplied hint when it names a known content
// type and returns the fallback otherwise.
type HintClassifier struct {
	fallback preference.ContentType
}

// NewHintClassifier creates a HintClassifier. An unknown fallback becomes Daily.
func NewHintClassifier(fallback preference.ContentType) *HintClassifier {
	if _, err := preference.ParseContentType(string(fallback)); err != nil {
		fallback = preference.Daily
	}
	return &HintClassifier{fallback: fallback}
}

// Classify returns the hinted content type. An unrecognized hint yields the
// fallback together with the parse error.
func (c *HintClassifier) Classify(_ context.Context, _ staging.StagedObject, hint string) (preference.ContentType, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return c.fallback, nil
	}
	ct, err := preference.ParseContentType(hint)
	if err != nil {
		return c.fallback, err
	}
	return ct, nil
}
