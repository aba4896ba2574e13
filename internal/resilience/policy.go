// internal/resilience/policy.go
package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class groups operations that share a timeout budget and a circuit breaker.
type Class string

const (
	ClassCache        Class = "cache"        // idempotency store reads/writes
	ClassDatabase     Class = "database"     // ledger reads/writes
	ClassProvider     Class = "provider"     // payment provider API calls
	ClassBatch        Class = "batch"        // reconciliation listings
	ClassNotification Class = "notification" // best-effort user notifications
)

// Policy is the retry and timeout budget of one Class.
// Timeout bounds a single attempt; MaxAttempts includes the first try.
type Policy struct {
	Timeout         time.Duration
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Breaker: trips once BreakerMinRequests have been seen in BreakerInterval
	// and the failure ratio reaches BreakerFailureRatio. Stays open for BreakerOpenFor.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerInterval     time.Duration
	BreakerOpenFor      time.Duration
}

// Budget is the longest one operation can take under the policy: every
// attempt timing out plus the largest jittered waits between them.
func (p Policy) Budget() time.Duration {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	total := time.Duration(attempts) * p.Timeout
	interval := p.InitialInterval
	mult := p.Multiplier
	if mult <= 0 {
		mult = backoff.DefaultMultiplier
	}
	for i := uint64(1); i < attempts; i++ {
		wait := interval
		if p.MaxInterval > 0 && wait > p.MaxInterval {
			wait = p.MaxInterval
		}
		total += time.Duration(float64(wait) * (1 + backoff.DefaultRandomizationFactor))
		interval = time.Duration(float64(interval) * mult)
	}
	return total
}

// DefaultPolicies returns the production budgets: fast for cache and DB,
// 30s for provider calls, longest for batch reconciliation.
func DefaultPolicies() map[Class]Policy {
	base := Policy{
		MaxAttempts:         3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		BreakerMinRequests:  10,
		BreakerFailureRatio: 0.5,
		BreakerInterval:     time.Minute,
		BreakerOpenFor:      30 * time.Second,
	}
	cache := base
	cache.Timeout = 500 * time.Millisecond
	cache.InitialInterval = 50 * time.Millisecond

	db := base
	db.Timeout = 3 * time.Second

	provider := base
	provider.Timeout = 30 * time.Second
	provider.InitialInterval = time.Second
	provider.MaxInterval = 10 * time.Second

	batch := base
	batch.Timeout = 2 * time.Minute
	batch.MaxAttempts = 2
	batch.InitialInterval = 2 * time.Second

	notify := base
	notify.Timeout = 5 * time.Second
	notify.MaxAttempts = 2

	return map[Class]Policy{
		ClassCache:        cache,
		ClassDatabase:     db,
		ClassProvider:     provider,
		ClassBatch:        batch,
		ClassNotification: notify,
	}
}

// Uniform applies one policy to every class.
func Uniform(p Policy) map[Class]Policy {
	return map[Class]Policy{
		ClassCache:        p,
		ClassDatabase:     p,
		ClassProvider:     p,
		ClassBatch:        p,
		ClassNotification: p,
	}
}
