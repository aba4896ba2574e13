// internal/idempotency/store.go
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned by every backend for a blank key.
var ErrEmptyKey = errors.New("idempotency: empty key")

// Store is a key -> result cache with a reservation primitive.
//
// A key moves through: absent -> reserved (Reserve) -> completed (Store).
// Reserve is a single conditional write, so of N concurrent callers exactly
// one gets true. A completed key is never reservable again until it expires,
// which is what makes first-writer-wins hold across processes.
type Store interface {
	// TryGet returns the stored result. Reserved-but-incomplete keys are not found.
	TryGet(ctx context.Context, key string) (found bool, value string, err error)
	// Store records the result for ttl, completing any reservation.
	Store(ctx context.Context, key, value string, ttl time.Duration) error
	// Reserve claims an absent (or expired) key for lockTTL.
	Reserve(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	// Release drops a reservation that never completed. Completed keys are untouched.
	Release(ctx context.Context, key string) error
}
