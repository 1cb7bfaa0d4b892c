package idempotency

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	record  Record
	expires time.Time
}

// MemoryStore keeps bindings in process memory. Entries expire after ttl.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reserve binds key to runID unless a live binding exists.
func (s *MemoryStore) Reserve(ctx context.Context, key, runID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if e, ok := s.entries[key]; ok && !s.expired(e, now) {
		return e.record, false, nil
	}
	e := memoryEntry{record: Record{RunID: runID}}
	if s.ttl > 0 {
		e.expires = now.Add(s.ttl)
	}
	s.entries[key] = e
	return e.record, true, nil
}

// Complete marks key as finished.
func (s *MemoryStore) Complete(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.record.RunID != runID {
		return ErrNotOwner
	}
	e.record.Completed = true
	s.entries[key] = e
	return nil
}

// Release drops the binding of key to runID. Releasing an absent key is not an error.
func (s *MemoryStore) Release(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.record.RunID != runID {
		return ErrNotOwner
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// sweepLocked drops expired entries, at most once per sweep interval.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if s.ttl <= 0 || now.Sub(s.lastSweep) < min(s.ttl, time.Minute) {
		return
	}
	s.lastSweep = now
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
		}
	}
}

// Len returns the number of stored bindings, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
