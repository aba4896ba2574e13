// internal/resilience/executor.go
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Executor composes timeout, bounded exponential retry and a per-class
// circuit breaker around a single operation.
type Executor struct {
	policies map[Class]Policy
	breakers map[Class]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewExecutor(log *zap.Logger, policies map[Class]Policy) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	e := &Executor{
		policies: policies,
		breakers: make(map[Class]*gobreaker.CircuitBreaker, len(policies)),
		log:      log.Named("resilience"),
	}
	for class, p := range policies {
		e.breakers[class] = newBreaker(class, p, e.log)
	}
	return e
}

func newBreaker(class Class, p Policy, log *zap.Logger) *gobreaker.CircuitBreaker {
	minRequests := p.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	ratio := p.BreakerFailureRatio
	if ratio == 0 {
		ratio = 0.5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(class),
		MaxRequests: 1,
		Interval:    p.BreakerInterval,
		Timeout:     p.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < minRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		// a declined card or a duplicate is a healthy answer from the dependency
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainOutcome(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[Breaker] state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func (e *Executor) policy(class Class) Policy {
	if p, ok := e.policies[class]; ok {
		return p
	}
	return DefaultPolicies()[ClassDatabase]
}

// Budget is the worst-case duration of one call in class.
func (e *Executor) Budget(class Class) time.Duration {
	return e.policy(class).Budget()
}

func (e *Executor) breaker(class Class) *gobreaker.CircuitBreaker {
	if cb, ok := e.breakers[class]; ok {
		return cb
	}
	return e.breakers[ClassDatabase]
}

// Run executes fn under the class policy. Non-retryable errors return after the first attempt.
func (e *Executor) Run(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	p := e.policy(class)
	cb := e.breaker(class)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.MaxElapsedTime = 0 // attempts bound the loop, not wall time

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := cb.Execute(func() (interface{}, error) {
			attemptCtx, cancel := e.attemptContext(ctx, p)
			defer cancel()
			return nil, fn(attemptCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%s: circuit %s open: %w", op, class, err))
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		e.log.Warn("transient failure, will retry",
			zap.String("op", op),
			zap.String("class", string(class)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
	return err
}

func (e *Executor) attemptContext(ctx context.Context, p Policy) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// Critical runs a financial-path operation. Exhausted infrastructure failures
// are logged at error level and flagged for manual resolution.
func (e *Executor) Critical(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	err := e.Run(ctx, class, op, fn)
	if err != nil && !isDomainOutcome(err) {
		e.log.Error("[CRITICAL] operation failed after retries",
			zap.String("op", op),
			zap.String("class", string(class)),
			zap.Bool("manual_resolution", true),
			zap.Error(err))
	}
	return err
}

// BestEffort runs a side effect that must never fail the caller. Errors are logged and dropped.
func (e *Executor) BestEffort(ctx context.Context, op string, fn func(ctx context.Context) error) {
	if err := e.Run(ctx, ClassNotification, op, fn); err != nil {
		e.log.Warn("[WARN] best-effort operation dropped",
			zap.String("op", op),
			zap.Error(err))
	}
}

// Call is Run for operations that return a value.
func Call[T any](ctx context.Context, e *Executor, class Class, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, class, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// CriticalCall is Critical for operations that return a value.
func CriticalCall[T any](ctx context.Context, e *Executor, class Class, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Critical(ctx, class, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
