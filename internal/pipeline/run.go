// Package pipeline provides the Run aggregate and the Orchestrator that drives
// one upload through the Raw, Temp and Final stages.
package pipeline

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/pipeline/id"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
)

// Status represents the current state of a Run.
type Status string

const (
	// StatusReceived indicates the upload was accepted and is being stored as Raw.
	StatusReceived Status = "RECEIVED"
	// StatusStaged indicates a Temp copy of the Raw object exists.
	StatusStaged Status = "STAGED"
	// StatusTransforming indicates the transformer is working on the Temp copy.
	StatusTransforming Status = "TRANSFORMING"
	// StatusFinalized indicates the result was promoted and a link issued.
	StatusFinalized Status = "FINALIZED"
	// StatusFailed indicates the run stopped with an error.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusReceived:     {StatusStaged, StatusFailed},
	StatusStaged:       {StatusTransforming, StatusFailed},
	StatusTransforming: {StatusFinalized, StatusFailed},
	StatusFinalized:    {},
	StatusFailed:       {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// Run is the orchestration unit for one submission.
type Run struct {
	mu sync.RWMutex

	// ID is the unique identifier for this run.
	ID string
	// OwnerID is the submitting user.
	OwnerID string
	// IdempotencyKey is the client token the run was submitted with, if any.
	IdempotencyKey string
	// Status is the current run state.
	Status Status
	// Stage is the stage of the most recent object the run produced.
	Stage staging.Stage
	// ContentType is the classified content type used to pick a profile.
	ContentType preference.ContentType
	// Source is the Raw object.
	Source staging.StagedObject
	// Temp is the Temp copy of Source.
	Temp staging.StagedObject
	// Derived is the transformer output.
	Derived staging.StagedObject
	// Final is the promoted result.
	Final staging.StagedObject
	// Attempts counts transformer invocations.
	Attempts int
	// Link is the access link issued for Final.
	Link string
	// LinkExpiresAt is when Link stops working.
	LinkExpiresAt time.Time
	// ErrorKind is the classified failure, set only when Failed.
	ErrorKind apperr.Kind
	// Error is the client-safe failure message, set only when Failed.
	Error string
	// CreatedAt is when the run was created.
	CreatedAt time.Time
	// UpdatedAt is when the run was last updated.
	UpdatedAt time.Time
	// CompletedAt is when the run reached a terminal state.
	CompletedAt time.Time
}

// NewRun creates a Run with a generated ID in RECEIVED status.
func NewRun(ownerID string) *Run {
	return NewRunWithID(id.Generate(), ownerID)
}

// NewRunWithID creates a Run with the specified ID in RECEIVED status.
func NewRunWithID(runID, ownerID string) *Run {
	now := time.Now()
	return &Run{
		ID:        runID,
		OwnerID:   ownerID,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the run status.
// Returns ErrInvalidTransition if the transition is not allowed.
func (r *Run) TransitionTo(status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(status)
}

func (r *Run) transitionLocked(status Status) error {
	if !canTransition(r.Status, status) {
		return ErrInvalidTransition
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	if status == StatusFinalized || status == StatusFailed {
		r.CompletedAt = r.UpdatedAt
	}
	return nil
}

// Record stores obj in the slot matching its role and advances Stage.
func (r *Run) Record(obj staging.StagedObject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case obj.Stage == staging.StageRaw:
		r.Source = obj
	case obj.Stage == staging.StageTemp && obj.Parent == r.Source.Key:
		r.Temp = obj
	case obj.Stage == staging.StageTemp:
		r.Derived = obj
	case obj.Stage == staging.StageFinal:
		r.Final = obj
	}
	r.Stage = obj.Stage
	r.UpdatedAt = time.Now()
}

// Finalize records the access link and moves the run to FINALIZED.
func (r *Run) Finalize(link string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusFinalized); err != nil {
		return err
	}
	r.Link = link
	r.LinkExpiresAt = expiresAt
	return nil
}

// Fail moves the run to FAILED and records the kind and public message of err.
func (r *Run) Fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if terr := r.transitionLocked(StatusFailed); terr != nil {
		return terr
	}
	r.ErrorKind = apperr.KindOf(err)
	r.Error = apperr.PublicMessage(err)
	return nil
}

// GetStatus returns the current run status (thread-safe).
func (r *Run) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// IsTerminal returns true if the run is in a terminal state.
func (r *Run) IsTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status == StatusFinalized || r.Status == StatusFailed
}

// Clone creates a copy of the run for safe reads.
func (r *Run) Clone() *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Run{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         r.Status,
		Stage:          r.Stage,
		ContentType:    r.ContentType,
		Source:         r.Source,
		Temp:           r.Temp,
		Derived:        r.Derived,
		Final:          r.Final,
		Attempts:       r.Attempts,
		Link:           r.Link,
		LinkExpiresAt:  r.LinkExpiresAt,
		ErrorKind:      r.ErrorKind,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}
