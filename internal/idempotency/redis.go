// internal/idempotency/redis.go
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingMarker is the value of a reserved key. Stored results never start with NUL.
const pendingMarker = "\x00reserved"

// releaseScript deletes the key only while it still holds the reservation marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares idempotency keys across service instances.
// Reserve is SET NX, so the first writer wins cluster-wide.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) k(key string) string { return r.prefix + key }

func (r *RedisStore) TryGet(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return false, "", ErrEmptyKey
	}
	v, err := r.client.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("redis get %s: %w", key, err)
	}
	if v == pendingMarker {
		return false, "", nil
	}
	return true, v, nil
}

func (r *RedisStore) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := r.client.Set(ctx, r.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Reserve(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := r.client.SetNX(ctx, r.k(key), pendingMarker, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.k(key)}, pendingMarker).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
