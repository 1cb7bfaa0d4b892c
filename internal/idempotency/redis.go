package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "contentvault:idem:"
	pendingPrefix  = "pending:"
	donePrefix     = "done:"
)

var _ Store = (*RedisStore)(nil)

// RedisStore shares bindings across instances. Reserve uses SET NX; Complete
// and Release check ownership inside a WATCH transaction.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore whose bindings expire after ttl.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Reserve binds key to runID unless a binding exists.
func (s *RedisStore) Reserve(ctx context.Context, key, runID string) (Record, bool, error) {
	rkey := redisKeyPrefix + key
	ok, err := s.client.SetNX(ctx, rkey, pendingPrefix+runID, s.ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return Record{RunID: runID}, true, nil
	}
	raw, err := s.client.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, runID)
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read idempotency key: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	return rec, false, nil
}

// Complete marks key as finished, keeping its remaining TTL.
func (s *RedisStore) Complete(ctx context.Context, key, runID string) error {
	return s.update(ctx, key, runID, false, func(pipe redis.Pipeliner, rkey string) {
		pipe.Set(ctx, rkey, donePrefix+runID, redis.KeepTTL)
	})
}

// Release drops the binding. Releasing an absent key is not an error.
func (s *RedisStore) Release(ctx context.Context, key, runID string) error {
	return s.update(ctx, key, runID, true, func(pipe redis.Pipeliner, rkey string) {
		pipe.Del(ctx, rkey)
	})
}

func (s *RedisStore) update(ctx context.Context, key, runID string, missingOK bool, apply func(redis.Pipeliner, string)) error {
	rkey := redisKeyPrefix + key
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Result()
		if errors.Is(err, redis.Nil) {
			if missingOK {
				return nil
			}
			return ErrNotOwner
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if rec.RunID != runID {
			return ErrNotOwner
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			apply(pipe, rkey)
			return nil
		})
		return err
	}, rkey)
	if err != nil && !errors.Is(err, ErrNotOwner) {
		return fmt.Errorf("update idempotency key: %w", err)
	}
	return err
}

func decodeRecord(raw string) (Record, error) {
	switch {
	case strings.HasPrefix(raw, donePrefix):
		return Record{RunID: strings.TrimPrefix(raw, donePrefix), Completed: true}, nil
	case strings.HasPrefix(raw, pendingPrefix):
		return Record{RunID: strings.TrimPrefix(raw, pendingPrefix)}, nil
	default:
		return Record{}, fmt.Errorf("decode idempotency record %q", raw)
	}
}
