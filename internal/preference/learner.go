package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/metrics"
)

// Smoothing weights: stored' = storedWeight*stored + feedbackWeight*feedback.
const (
	storedWeight   = 0.7
	feedbackWeight = 0.3
)

// Store persists learned profiles. Update must run fn atomically for one
// (userID, contentType) key: concurrent updates for the same key are applied
// one after another, never lost.
type Store interface {
	// Get returns the learned profile, or nil when none exists.
	Get(ctx context.Context, userID string, ct ContentType) (Profile, error)
	// Update replaces the learned profile with fn(current) and returns the result.
	// current is nil when nothing is stored yet.
	Update(ctx context.Context, userID string, ct ContentType, fn func(current Profile) Profile) (Profile, error)
}

// Learner serves merged profiles and applies feedback.
type Learner struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

// NewLearner creates a Learner.
func NewLearner(store Store, logger *slog.Logger, m *metrics.Pipeline) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{store: store, logger: logger, metrics: m}
}

// GetProfile returns the defaults for ct merged with the user's learned
// values. It never fails: store errors are logged and the defaults returned.
func (l *Learner) GetProfile(ctx context.Context, userID string, ct ContentType) Profile {
	defaults := DefaultProfile(ct)
	if userID == "" {
		return defaults
	}
	learned, err := l.store.Get(ctx, userID, ct)
	if err != nil {
		l.logger.Warn("preference lookup failed, using defaults",
			slog.String("user_id", userID),
			slog.String("content_type", string(ct)),
			slog.String("error", err.Error()),
		)
		return defaults
	}
	return Merge(defaults, learned)
}

// UpdateFromFeedback folds feedback into the user's learned profile and
// returns the merged profile. Parameters absent from feedback are unchanged.
// The whole feedback is rejected if any parameter is unknown or not finite;
// finite out-of-range values are clamped first.
func (l *Learner) UpdateFromFeedback(ctx context.Context, userID string, ct ContentType, feedback map[string]float64) (Profile, error) {
	const op = "preference.update"

	if userID == "" {
		l.metrics.PreferenceUpdate("rejected")
		return nil, apperr.New(apperr.KindValidation, op, "user id is required")
	}
	if _, err := ParseContentType(string(ct)); err != nil {
		l.metrics.PreferenceUpdate("rejected")
		return nil, apperr.Wrap(apperr.KindValidation, op, err, err.Error())
	}
	clean, err := SanitizeFeedback(feedback)
	if err != nil {
		l.metrics.PreferenceUpdate("rejected")
		return nil, apperr.Wrap(apperr.KindValidation, op, err, err.Error())
	}
	if len(clean) == 0 {
		return l.GetProfile(ctx, userID, ct), nil
	}

	learned, err := l.store.Update(ctx, userID, ct, func(current Profile) Profile {
		return Apply(current, clean)
	})
	if err != nil {
		l.metrics.PreferenceUpdate("error")
		if errors.Is(err, context.Canceled) {
			return nil, apperr.Wrap(apperr.KindCancelled, op, err, "preference update cancelled")
		}
		return nil, apperr.Wrap(apperr.KindStorage, op, err, "preference store unavailable")
	}

	l.metrics.PreferenceUpdate("applied")
	l.logger.Debug("preferences updated",
		slog.String("user_id", userID),
		slog.String("content_type", string(ct)),
		slog.Int("params", len(clean)),
	)
	return Merge(DefaultProfile(ct), learned), nil
}

// Errors returned by SanitizeFeedback.
var (
	ErrUnknownParam   = errors.New("unknown style parameter")
	ErrNonFiniteValue = errors.New("style parameter value must be finite")
)

// SanitizeFeedback validates feedback and clamps each value to its range.
func SanitizeFeedback(feedback map[string]float64) (Profile, error) {
	out := make(Profile, len(feedback))
	for name, v := range feedback {
		r, ok := RangeOf(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParam, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q", ErrNonFiniteValue, name)
		}
		out[name] = r.Clamp(v)
	}
	return out, nil
}

// Apply returns current updated with sanitized feedback. A parameter seen for
// the first time is stored verbatim; otherwise it is smoothed.
func Apply(current, feedback Profile) Profile {
	next := current.Clone()
	if next == nil {
		next = make(Profile, len(feedback))
	}
	for name, f := range feedback {
		stored, ok := next[name]
		if !ok {
			next[name] = f
			continue
		}
		v := Smooth(stored, f)
		if r, ok := RangeOf(name); ok {
			v = r.Clamp(v)
		}
		next[name] = v
	}
	return next
}

// Smooth blends a stored value with a new observation.
func Smooth(stored, observed float64) float64 {
	return storedWeight*stored + feedbackWeight*observed
}
