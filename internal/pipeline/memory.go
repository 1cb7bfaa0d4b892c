package pipeline

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// Runs are stored and returned as clones so callers never share state.
// Terminal runs older than the retention period are pruned on Save.
type MemoryRepository struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// RepositoryOption configures a MemoryRepository.
type RepositoryOption func(*MemoryRepository)

// WithRetention drops terminal runs once they have been completed for d.
// Zero keeps every run.
func WithRetention(d time.Duration) RepositoryOption {
	return func(r *MemoryRepository) {
		if d > 0 {
			r.retention = d
		}
	}
}

// NewMemoryRepository creates a new in-memory run repository.
func NewMemoryRepository(opts ...RepositoryOption) *MemoryRepository {
	r := &MemoryRepository{
		runs: make(map[string]*Run),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save persists a clone of run.
func (r *MemoryRepository) Save(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run.Clone()
	r.pruneLocked()
	return nil
}

// FindByID retrieves a clone of the run with the given ID.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// Len returns the number of stored runs.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// pruneLocked removes expired terminal runs, at most once per sweep interval.
func (r *MemoryRepository) pruneLocked() {
	if r.retention <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastPrune) < min(r.retention, time.Minute) {
		return
	}
	r.lastPrune = now
	cutoff := now.Add(-r.retention)
	for id, run := range r.runs {
		if run.IsTerminal() && run.CompletedAt.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}
