package preference

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

// MemoryStore is an in-process Store sharded by key. Each shard's mutex
// serializes updates to the keys it owns.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]Profile)}
	}
	return s
}

// Get returns a copy of the learned profile.
func (s *MemoryStore) Get(ctx context.Context, userID string, ct ContentType) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := storeKey(userID, ct)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.profiles[key].Clone(), nil
}

// Update applies fn under the shard lock.
func (s *MemoryStore) Update(ctx context.Context, userID string, ct ContentType, fn func(Profile) Profile) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := storeKey(userID, ct)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	next := fn(sh.profiles[key].Clone())
	sh.profiles[key] = next.Clone()
	return next, nil
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func storeKey(userID string, ct ContentType) string {
	return userID + "\x00" + string(ct)
}
