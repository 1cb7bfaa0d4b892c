package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/idempotency"
	"github.com/maauso/content-vault/internal/metrics"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
	"github.com/maauso/content-vault/internal/transform"
)

// Config holds the orchestrator limits.
type Config struct {
	// MaxTransformAttempts bounds transformer invocations per run, first try included.
	MaxTransformAttempts int
	// TransformBackoff is the base delay of the exponential retry backoff.
	TransformBackoff time.Duration
	// MaxTransformBackoff caps a single delay between transform attempts.
	MaxTransformBackoff time.Duration
	// TransformTimeout bounds a single transformer invocation.
	TransformTimeout time.Duration
	// StageTimeout bounds a single storage call.
	StageTimeout time.Duration
	// MaxConcurrentTransforms is the number of transformer invocations allowed at once.
	MaxConcurrentTransforms int
	// MaxQueuedRuns is the number of runs allowed to wait for a transform slot.
	MaxQueuedRuns int
	// LinkExpiration is the lifetime of issued access links.
	LinkExpiration time.Duration
	// DefaultContentType is used when classification fails.
	DefaultContentType preference.ContentType
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxTransformAttempts:    3,
		TransformBackoff:        500 * time.Millisecond,
		MaxTransformBackoff:     30 * time.Second,
		TransformTimeout:        10 * time.Minute,
		StageTimeout:            60 * time.Second,
		MaxConcurrentTransforms: 2,
		MaxQueuedRuns:           8,
		LinkExpiration:          time.Hour,
		DefaultContentType:      preference.Daily,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTransformAttempts <= 0 {
		c.MaxTransformAttempts = d.MaxTransformAttempts
	}
	if c.TransformBackoff <= 0 {
		c.TransformBackoff = d.TransformBackoff
	}
	if c.MaxTransformBackoff <= 0 {
		c.MaxTransformBackoff = d.MaxTransformBackoff
	}
	if c.MaxTransformBackoff < c.TransformBackoff {
		c.MaxTransformBackoff = c.TransformBackoff
	}
	if c.TransformTimeout <= 0 {
		c.TransformTimeout = d.TransformTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.MaxConcurrentTransforms <= 0 {
		c.MaxConcurrentTransforms = d.MaxConcurrentTransforms
	}
	if c.MaxQueuedRuns < 0 {
		c.MaxQueuedRuns = 0
	}
	if c.LinkExpiration <= 0 {
		c.LinkExpiration = d.LinkExpiration
	}
	if c.DefaultContentType == "" {
		c.DefaultContentType = d.DefaultContentType
	}
	return c
}

// Submission is one upload handed to the orchestrator.
type Submission struct {
	Body     io.Reader
	Size     int64
	OwnerID  string
	Filename string
	// DeclaredType is the MIME type claimed by the client.
	DeclaredType string
	// ContentTypeHint optionally names the content type for classification.
	ContentTypeHint string
	// Feedback is applied to the owner's profile once the run is finalized.
	Feedback map[string]float64
	// IdempotencyKey optionally ties retries of the same request together.
	IdempotencyKey string
}

// Result describes a run after Submit returns.
type Result struct {
	RunID       string
	Status      Status
	FilePath    string
	Link        string
	ExpiresAt   time.Time
	ContentType preference.ContentType
	// Replayed is true when the result belongs to an earlier submission with
	// the same idempotency key.
	Replayed bool
}

// Orchestrator drives submissions through the stage sequence.
type Orchestrator struct {
	stager      *staging.Stager
	transformer transform.Transformer
	learner     *preference.Learner
	repo        Repository
	classifier  Classifier
	idem        idempotency.Store
	metrics     *metrics.Pipeline
	logger      *slog.Logger
	now         func() time.Time
	cfg         Config

	sem      *semaphore.Weighted
	active   atomic.Int64
	capacity int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClassifier overrides the content-type classifier.
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithIdempotency enables idempotency keys backed by store.
func WithIdempotency(store idempotency.Store) Option {
	return func(o *Orchestrator) { o.idem = store }
}

// WithClock overrides the time source used for link expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(stager *staging.Stager, transformer transform.Transformer, learner *preference.Learner, repo Repository, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		stager:      stager,
		transformer: transformer,
		learner:     learner,
		repo:        repo,
		logger:      slog.Default(),
		now:         time.Now,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentTransforms)),
		capacity:    int64(cfg.MaxConcurrentTransforms + cfg.MaxQueuedRuns),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = NewHintClassifier(cfg.DefaultContentType)
	}
	return o
}

// Config returns the effective limits.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// GetRun retrieves a run by ID.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := o.repo.FindByID(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "pipeline.get_run", err, "run not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "pipeline.get_run", err, "run lookup failed")
	}
	return run, nil
}

// Submit runs sub through Raw, Temp and Final and returns the access link.
// A non-nil Result is returned whenever a run was created, including failed runs.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Result, error) {
	const op = "pipeline.submit"

	feedback, err := preference.SanitizeFeedback(sub.Feedback)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, err.Error())
	}

	if !o.stager.Allowed(sub.DeclaredType) {
		return nil, apperr.Newf(apperr.KindValidation, op, "content type %q is not allowed", sub.DeclaredType)
	}

	if !o.admit() {
		o.logger.Warn("run rejected, capacity exceeded",
			slog.String("owner_id", sub.OwnerID),
			slog.Int64("capacity", o.capacity),
		)
		return nil, apperr.New(apperr.KindCapacity, op, "too many runs in progress")
	}
	defer o.active.Add(-1)

	run := NewRun(sub.OwnerID)

	var idemKey string
	if o.idem != nil && sub.IdempotencyKey != "" {
		idemKey = idempotency.ScopedKey(sub.OwnerID, sub.IdempotencyKey)
		rec, reserved, err := o.idem.Reserve(ctx, idemKey, run.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, op, err, "idempotency store unavailable")
		}
		if !reserved {
			return o.replay(ctx, rec, sub.OwnerID)
		}
		run.IdempotencyKey = sub.IdempotencyKey
	}

	logger := o.logger.With(slog.String("run_id", run.ID), slog.String("owner_id", sub.OwnerID))
	logger.Info("run received", slog.String("filename", sub.Filename), slog.Int64("size", sub.Size))
	o.save(ctx, run)

	err = o.execute(ctx, run, sub, logger)
	if err != nil {
		o.failRun(ctx, run, err, logger)
		if idemKey != "" {
			if rerr := o.idem.Release(context.WithoutCancel(ctx), idemKey, run.ID); rerr != nil {
				logger.Warn("failed to release idempotency key", slog.String("error", rerr.Error()))
			}
		}
		return resultOf(run), err
	}

	o.metrics.RunFinished(string(StatusFinalized))
	if idemKey != "" {
		if cerr := o.idem.Complete(context.WithoutCancel(ctx), idemKey, run.ID); cerr != nil {
			logger.Warn("failed to complete idempotency key", slog.String("error", cerr.Error()))
		}
	}

	if len(feedback) > 0 {
		if _, ferr := o.learner.UpdateFromFeedback(ctx, sub.OwnerID, run.ContentType, feedback); ferr != nil {
			logger.Warn("feedback not applied", slog.String("error", ferr.Error()))
		}
	}

	return resultOf(run), nil
}

// execute performs the stage sequence. On error the caller marks the run failed;
// any Temp objects created along the way are already discarded.
func (o *Orchestrator) execute(ctx context.Context, run *Run, sub Submission, logger *slog.Logger) error {
	// Received: store the upload as Raw.
	raw, err := timed(o, "upload_raw", func() (staging.StagedObject, error) {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return o.stager.UploadRaw(sctx, sub.Body, sub.Size, sub.OwnerID, sub.Filename, sub.DeclaredType)
	})
	if err != nil {
		return err
	}
	run.Record(raw)
	o.save(ctx, run)

	ct, cerr := o.classifier.Classify(ctx, raw, sub.ContentTypeHint)
	if cerr != nil {
		logger.Warn("classification failed, using default content type",
			slog.String("default", string(o.cfg.DefaultContentType)),
			slog.String("error", cerr.Error()),
		)
		ct = o.cfg.DefaultContentType
	}
	run.ContentType = ct

	// Received -> Staged.
	temp, err := timed(o, "copy_to_temp", func() (staging.StagedObject, error) {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return o.stager.CopyToTemp(sctx, raw)
	})
	if err != nil {
		// A timed out or cancelled copy may still complete at the provider.
		o.discard(ctx, logger, staging.TempOf(raw))
		return err
	}
	run.Record(temp)
	if err := run.TransitionTo(StatusStaged); err != nil {
		o.discard(ctx, logger, temp)
		return apperr.Wrap(apperr.KindInternal, "pipeline.stage", err, "run state corrupted")
	}
	o.save(ctx, run)

	// Staged -> Transforming.
	profile := o.learner.GetProfile(ctx, sub.OwnerID, ct)
	if err := run.TransitionTo(StatusTransforming); err != nil {
		o.discard(ctx, logger, temp)
		return apperr.Wrap(apperr.KindInternal, "pipeline.transform", err, "run state corrupted")
	}
	o.save(ctx, run)

	derived, err := timed(o, "transform", func() (staging.StagedObject, error) {
		return o.transformWithRetry(ctx, run, temp, profile, logger)
	})
	if err != nil {
		o.discard(ctx, logger, temp)
		return err
	}
	run.Record(derived)
	o.save(ctx, run)

	// Transforming -> Finalized.
	final, err := timed(o, "promote", func() (staging.StagedObject, error) {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return o.stager.PromoteToFinal(sctx, derived)
	})
	switch {
	case errors.Is(err, staging.ErrTempRetained):
		logger.Warn("derived temp object retained after promotion",
			slog.String("temp_key", derived.Key),
			slog.String("final_key", final.Key),
		)
	case err != nil:
		o.discard(ctx, logger, temp, derived)
		return err
	}
	run.Record(final)
	o.discard(ctx, logger, temp)

	link, err := timed(o, "link", func() (string, error) {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return o.stager.Link(sctx, final, o.cfg.LinkExpiration)
	})
	if err != nil {
		return err
	}
	if err := run.Finalize(link, o.now().Add(o.cfg.LinkExpiration)); err != nil {
		return apperr.Wrap(apperr.KindInternal, "pipeline.finalize", err, "run state corrupted")
	}
	o.save(ctx, run)

	logger.Info("run finalized",
		slog.String("final_key", final.Key),
		slog.String("content_type", string(ct)),
		slog.Int("attempts", run.Attempts),
	)
	return nil
}

// transformWithRetry invokes the transformer under the concurrency limit,
// retrying transient failures with exponential backoff. Partial output from a
// failed attempt is discarded before the next one.
func (o *Orchestrator) transformWithRetry(ctx context.Context, run *Run, temp staging.StagedObject, profile preference.Profile, logger *slog.Logger) (staging.StagedObject, error) {
	const op = "pipeline.transform"

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return staging.StagedObject{}, apperr.Wrap(apperr.KindCancelled, op, err, "run cancelled while queued")
	}
	defer o.sem.Release(1)
	o.metrics.TransformStarted()
	defer o.metrics.TransformDone()

	backoff := o.transformBackoff()

	var out staging.StagedObject
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		run.Attempts++
		tctx, cancel := context.WithTimeout(ctx, o.cfg.TransformTimeout)
		defer cancel()

		derived, err := o.transformer.Transform(tctx, temp, profile)
		if err == nil {
			o.metrics.TransformAttempt("success")
			out = derived
			return nil
		}
		switch kind := apperr.KindOf(err); {
		case ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
			err = apperr.Wrap(apperr.KindTransient, op, err, "transform timed out")
		case !kind.IsProcessing() && kind != apperr.KindCancelled && kind != apperr.KindNotFound:
			err = apperr.Wrap(apperr.KindTransient, op, err, "transform failed")
		}
		if !derived.IsZero() {
			o.discard(ctx, logger, derived)
		}

		kind := apperr.KindOf(err)
		o.metrics.TransformAttempt(string(kind))
		logger.Warn("transform attempt failed",
			slog.Int("attempt", run.Attempts),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		if kind == apperr.KindTransient {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return staging.StagedObject{}, err
	}
	return out, nil
}

// transformBackoff returns the delays between transform attempts, exponential
// from TransformBackoff and capped at MaxTransformBackoff.
func (o *Orchestrator) transformBackoff() retry.Backoff {
	b := retry.NewExponential(o.cfg.TransformBackoff)
	b = retry.WithCappedDuration(o.cfg.MaxTransformBackoff, b)
	return retry.WithMaxRetries(uint64(o.cfg.MaxTransformAttempts-1), b)
}

// replay answers a submission whose idempotency key is already bound.
func (o *Orchestrator) replay(ctx context.Context, rec idempotency.Record, ownerID string) (*Result, error) {
	const op = "pipeline.replay"

	run, err := o.repo.FindByID(ctx, rec.RunID)
	if err != nil || !rec.Completed || run.GetStatus() != StatusFinalized {
		return nil, apperr.Newf(apperr.KindConflict, op, "idempotency key is bound to run %s which has not completed", rec.RunID)
	}
	if run.OwnerID != ownerID {
		o.logger.Warn("idempotency key bound to a run of another owner",
			slog.String("run_id", rec.RunID),
			slog.String("owner_id", ownerID),
		)
		return nil, apperr.New(apperr.KindConflict, op, "idempotency key already in use")
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	link, err := o.stager.Link(sctx, run.Final, o.cfg.LinkExpiration)
	if err != nil {
		return nil, err
	}
	res := resultOf(run)
	res.Link = link
	res.ExpiresAt = o.now().Add(o.cfg.LinkExpiration)
	res.Replayed = true
	return res, nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *Run, err error, logger *slog.Logger) {
	if ferr := run.Fail(err); ferr != nil {
		logger.Error("failed to mark run failed", slog.String("error", ferr.Error()))
	}
	o.save(ctx, run)
	o.metrics.RunFinished(string(StatusFailed))

	attrs := []any{
		slog.String("kind", string(apperr.KindOf(err))),
		slog.String("error", err.Error()),
		slog.Int("attempts", run.Attempts),
	}
	if run.Source.Key != "" {
		attrs = append(attrs, slog.String("raw_key", run.Source.Key))
	}
	logger.Error("run failed", attrs...)
}

// discard removes Temp objects on a context detached from the run, so cleanup
// still happens after cancellation.
func (o *Orchestrator) discard(ctx context.Context, logger *slog.Logger, objs ...staging.StagedObject) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StageTimeout)
	defer cancel()
	for _, obj := range objs {
		if obj.IsZero() {
			continue
		}
		if err := o.stager.DiscardTemp(cctx, obj); err != nil {
			logger.Warn("failed to discard temp object",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Orchestrator) save(ctx context.Context, run *Run) {
	if err := o.repo.Save(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to save run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

// admit reserves a slot for a new run, refusing once running plus queued
// runs reach capacity.
func (o *Orchestrator) admit() bool {
	if o.active.Add(1) > o.capacity {
		o.active.Add(-1)
		return false
	}
	return true
}

func timed[T any](o *Orchestrator, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	o.metrics.ObserveStage(stage, time.Since(start))
	return v, err
}

func resultOf(run *Run) *Result {
	r := run.Clone()
	return &Result{
		RunID:       r.ID,
		Status:      r.Status,
		FilePath:    r.Final.Key,
		Link:        r.Link,
		ExpiresAt:   r.LinkExpiresAt,
		ContentType: r.ContentType,
	}
}
