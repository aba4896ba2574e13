// internal/idempotency/guard.go
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

const (
	minLockTTL          = 5 * time.Minute
	defaultPollInterval = 50 * time.Millisecond
	// ledger round trips one guarded operation may make besides its provider call
	dbCallsPerOperation = 8
)

// Guard runs an operation at most once per key.
//
// Inside one process singleflight collapses concurrent callers onto one
// execution. Across processes the Store reservation decides the winner and
// losers wait for its stored result.
type Guard struct {
	store        Store
	exec         *resilience.Executor
	log          *zap.Logger
	lockTTL      time.Duration
	pollInterval time.Duration

	sf singleflight.Group
}

type GuardOption func(*Guard)

// WithLockTTL bounds how long a crashed winner can block a key. The guarded
// operation is cancelled when it runs past the lock.
func WithLockTTL(d time.Duration) GuardOption {
	return func(g *Guard) { g.lockTTL = d }
}

func WithPollInterval(d time.Duration) GuardOption {
	return func(g *Guard) { g.pollInterval = d }
}

func NewGuard(store Store, exec *resilience.Executor, log *zap.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Guard{
		store:        store,
		exec:         exec,
		log:          log.Named("idempotency"),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lockTTL <= 0 {
		g.lockTTL = lockTTLFor(exec)
	}
	return g
}

// lockTTLFor sizes the reservation at twice the worst case of one guarded
// operation, so a live winner never loses its key to another instance.
func lockTTLFor(exec *resilience.Executor) time.Duration {
	if exec == nil {
		return minLockTTL
	}
	worst := exec.Budget(resilience.ClassProvider) + dbCallsPerOperation*exec.Budget(resilience.ClassDatabase)
	return max(minLockTTL, 2*worst)
}

type outcome struct {
	value    string
	replayed bool
}

// Do returns the stored result for key if one exists (replayed = true).
// Otherwise it runs fn once, stores its result for ttl and returns it.
// A failed fn releases the key so the operation can be attempted again.
func (g *Guard) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	for {
		// only the leader's closure runs; followers receive its outcome
		executed := false
		v, err, _ := g.sf.Do(key, func() (interface{}, error) {
			executed = true
			return g.do(ctx, key, ttl, fn)
		})
		if err != nil {
			// the leader's caller went away; a follower still waiting takes over
			if !executed && isContextErr(err) && ctx.Err() == nil {
				g.log.Debug("[Idempotency] leader cancelled, retrying as follower", zap.String("key", key))
				continue
			}
			return "", false, err
		}
		out := v.(outcome)
		return out.value, out.replayed || !executed, nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (g *Guard) do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (string, error)) (outcome, error) {
	found, value, err := g.tryGet(ctx, key)
	if err != nil {
		return outcome{}, err
	}
	if found {
		return outcome{value: value, replayed: true}, nil
	}

	for {
		ok, err := g.reserve(ctx, key)
		if err != nil {
			return outcome{}, err
		}
		if ok {
			break
		}
		// another instance owns the key; wait for its result or its lock to lapse
		select {
		case <-ctx.Done():
			return outcome{}, fmt.Errorf("idempotency wait %s: %w", key, ctx.Err())
		case <-time.After(g.pollInterval):
		}
		found, value, err := g.tryGet(ctx, key)
		if err != nil {
			return outcome{}, err
		}
		if found {
			return outcome{value: value, replayed: true}, nil
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, g.lockTTL)
	value, err = fn(opCtx)
	cancel()
	if err != nil {
		if rerr := g.release(context.WithoutCancel(ctx), key); rerr != nil {
			g.log.Warn("[Idempotency] release failed, key blocked until lock expiry",
				zap.String("key", key), zap.Error(rerr))
		}
		return outcome{}, err
	}

	if err := g.storeResult(context.WithoutCancel(ctx), key, value, ttl); err != nil {
		// the operation already committed; ledger uniqueness still rejects a second run
		g.log.Error("[Idempotency] result not recorded",
			zap.String("key", key), zap.String("value", value), zap.Error(err))
	}
	return outcome{value: value}, nil
}

func (g *Guard) tryGet(ctx context.Context, key string) (bool, string, error) {
	type hit struct {
		found bool
		value string
	}
	h, err := cacheCall(ctx, g, "idempotency.try_get", func(ctx context.Context) (hit, error) {
		found, value, err := g.store.TryGet(ctx, key)
		return hit{found: found, value: value}, err
	})
	return h.found, h.value, err
}

func (g *Guard) reserve(ctx context.Context, key string) (bool, error) {
	return cacheCall(ctx, g, "idempotency.reserve", func(ctx context.Context) (bool, error) {
		return g.store.Reserve(ctx, key, g.lockTTL)
	})
}

func (g *Guard) release(ctx context.Context, key string) error {
	_, err := cacheCall(ctx, g, "idempotency.release", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Release(ctx, key)
	})
	return err
}

func (g *Guard) storeResult(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := cacheCall(ctx, g, "idempotency.store", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Store(ctx, key, value, ttl)
	})
	return err
}

// cacheCall routes store I/O through the cache resilience class when an executor is configured.
func cacheCall[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.exec == nil {
		return fn(ctx)
	}
	return resilience.Call(ctx, g.exec, resilience.ClassCache, op, fn)
}
