package preference

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "contentvault:pref"
	maxOptimisticTries = 16
)

// ErrContention is returned when an update keeps losing optimistic races.
var ErrContention = errors.New("preference update contention")

// RedisStore keeps each learned profile in a Redis hash and updates it with
// WATCH/MULTI so concurrent writers across processes serialize per key.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get reads the learned profile.
func (s *RedisStore) Get(ctx context.Context, userID string, ct ContentType) (Profile, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(userID, ct)).Result()
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return decodeProfile(fields)
}

// Update applies fn inside an optimistic transaction, retrying on conflicts.
func (s *RedisStore) Update(ctx context.Context, userID string, ct ContentType, fn func(Profile) Profile) (Profile, error) {
	key := redisKey(userID, ct)
	var result Profile

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := decodeProfile(fields)
		if err != nil {
			return err
		}
		next := fn(current)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(next) > 0 {
				pipe.HSet(ctx, key, encodeProfile(next))
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxOptimisticTries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return nil, ErrContention
}

func redisKey(userID string, ct ContentType) string {
	return redisKeyPrefix + ":" + userID + ":" + string(ct)
}

func encodeProfile(p Profile) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}

func decodeProfile(fields map[string]string) (Profile, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	p := make(Profile, len(fields))
	for k, raw := range fields {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}
