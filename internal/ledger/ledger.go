// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// maxCASRounds bounds how often a transition re-reads after losing a race.
const maxCASRounds = 3

// Ledger is the only writer of PaymentRecords. Every write goes through the
// resilience executor as a critical database operation and carries its outbox event.
type Ledger struct {
	repo    Repository
	exec    *resilience.Executor
	backoff RetryBackoff
	log     *zap.Logger
	clock   func() time.Time
}

func New(repo Repository, exec *resilience.Executor, backoff RetryBackoff, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if exec == nil {
		exec = resilience.NewExecutor(log, nil)
	}
	return &Ledger{
		repo:    repo,
		exec:    exec,
		backoff: backoff,
		log:     log.Named("ledger"),
		clock:   time.Now,
	}
}

// SetClock overrides the time source (tests).
func (l *Ledger) SetClock(clock func() time.Time) { l.clock = clock }

func (l *Ledger) now() time.Time { return l.clock().UTC() }

// Create validates rec, stamps identity and timestamps and inserts it with
// an eventName outbox event. Records may start PENDING or FAILED.
func (l *Ledger) Create(ctx context.Context, rec *PaymentRecord, eventName string) (*PaymentRecord, error) {
	if err := validateNew(rec); err != nil {
		return nil, err
	}
	now := l.now()
	out := rec.Clone()
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	out.Currency = strings.ToLower(out.Currency)
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.Status == StatusFailed {
		l.stampFailure(out, now)
	}

	evt, err := newOutboxEvent(eventName, out, now)
	if err != nil {
		return nil, fmt.Errorf("build %s event: %w", eventName, err)
	}
	err = l.exec.Critical(ctx, resilience.ClassDatabase, "ledger.create", func(ctx context.Context) error {
		return l.repo.Insert(ctx, out, evt)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("[Ledger] payment recorded",
		zap.String("payment_id", out.ID.String()),
		zap.String("invoice_id", out.InvoiceID),
		zap.String("status", string(out.Status)),
		zap.String("net", out.Net.StringFixed(2)))
	return out, nil
}

func validateNew(rec *PaymentRecord) error {
	if rec == nil {
		return derrors.Validation("record", "missing")
	}
	if rec.Status != StatusPending && rec.Status != StatusFailed {
		return derrors.Validation("status", "records start PENDING or FAILED, got %q", rec.Status)
	}
	if rec.InvoiceID == "" && rec.ProviderPaymentID == "" {
		return derrors.Validation("invoice_id", "invoice id or provider payment id required")
	}
	if rec.UserID == uuid.Nil {
		return derrors.Validation("user_id", "must be a valid identifier")
	}
	if rec.SubscriptionID == uuid.Nil {
		return derrors.Validation("subscription_id", "must be a valid identifier")
	}
	if strings.TrimSpace(rec.Currency) == "" {
		return derrors.Validation("currency", "missing")
	}
	return billing.Breakdown{
		Total:       rec.Total,
		ProviderFee: rec.ProviderFee,
		PlatformFee: rec.PlatformFee,
		Net:         rec.Net,
	}.Validate()
}

// Change describes one state transition.
type Change struct {
	To    Status
	Event string
	// Require is evaluated against the exact snapshot the conditional update is
	// keyed on. Returning an error aborts without writing.
	Require func(current *PaymentRecord) error
	// Apply mutates the next version (retry metadata, failure reason, ids).
	Apply func(next *PaymentRecord)
}

// Transition moves the record to ch.To if the current status allows it.
// The write is a compare-and-swap on the status that was read; a lost race
// re-reads and re-evaluates, so two concurrent transitions never both win.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, ch Change) (*PaymentRecord, error) {
	if !ch.To.Valid() {
		return nil, derrors.Validation("status", "unknown status %q", ch.To)
	}
	var attempted *PaymentRecord
	for round := 0; round < maxCASRounds; round++ {
		current, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// a write reported as lost or failed may still have committed
		if isOwnWrite(current, attempted) {
			l.log.Info("[Ledger] transition committed despite ambiguous result",
				zap.String("payment_id", id.String()),
				zap.String("to", string(ch.To)))
			return current, nil
		}
		if !CanTransition(current.Status, ch.To) {
			return nil, derrors.InvalidState(string(current.Status), string(ch.To))
		}
		if ch.Require != nil {
			if err := ch.Require(current); err != nil {
				return nil, err
			}
		}

		now := l.now()
		next := current.Clone()
		next.Status = ch.To
		next.UpdatedAt = now
		if ch.Apply != nil {
			ch.Apply(next)
		}
		if ch.To == StatusFailed {
			l.stampFailure(next, now)
		}

		evt, err := newOutboxEvent(ch.Event, next, now)
		if err != nil {
			return nil, fmt.Errorf("build %s event: %w", ch.Event, err)
		}
		var swapped bool
		attempted = next
		err = l.exec.Critical(ctx, resilience.ClassDatabase, "ledger.transition", func(ctx context.Context) error {
			var err error
			swapped, err = l.repo.UpdateIfStatus(ctx, next, current.Status, evt)
			return err
		})
		if err != nil {
			if stored, gerr := l.Get(ctx, id); gerr == nil && isOwnWrite(stored, next) {
				l.log.Warn("[Ledger] transition committed, error came after the write",
					zap.String("payment_id", id.String()), zap.Error(err))
				return stored, nil
			}
			return nil, err
		}
		if swapped {
			l.log.Info("[Ledger] transition",
				zap.String("payment_id", id.String()),
				zap.String("from", string(current.Status)),
				zap.String("to", string(ch.To)))
			return next, nil
		}
		l.log.Debug("[Ledger] lost status race, re-reading", zap.String("payment_id", id.String()))
	}
	return nil, fmt.Errorf("transition %s -> %s: %w", id, ch.To, derrors.ErrInvalidState)
}

// isOwnWrite reports whether stored is the version this ledger tried to
// write. Databases keep microseconds, so timestamps match within one.
func isOwnWrite(stored, attempted *PaymentRecord) bool {
	if attempted == nil || stored.Status != attempted.Status {
		return false
	}
	d := stored.UpdatedAt.Sub(attempted.UpdatedAt)
	return d > -time.Microsecond && d < time.Microsecond
}

// stampFailure sets retry metadata; the next retry time is fixed here, not by the scheduler.
func (l *Ledger) stampFailure(rec *PaymentRecord, now time.Time) {
	t := now
	rec.LastAttemptAt = &t
	next := l.backoff.NextRetryAt(now, rec.AttemptCount)
	rec.NextRetryAt = &next
	if rec.FailureReason == "" {
		rec.FailureReason = "unspecified"
	}
}

// Cancel transitions to CANCELLED. Eligibility is checked on the snapshot the
// conditional update is keyed on, so a concurrent fill cannot slip between check and write.
func (l *Ledger) Cancel(ctx context.Context, id uuid.UUID, reason string) (*PaymentRecord, error) {
	return l.Transition(ctx, id, Change{
		To:    StatusCancelled,
		Event: EventPaymentCancelled,
		Require: func(current *PaymentRecord) error {
			if !CancelEligibility(current.Status) {
				return derrors.InvalidState(string(current.Status), string(StatusCancelled))
			}
			return nil
		},
		Apply: func(next *PaymentRecord) {
			next.FailureReason = reason
		},
	})
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.get", func(ctx context.Context) (*PaymentRecord, error) {
		return l.repo.Get(ctx, id)
	})
}

func (l *Ledger) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*PaymentRecord, error) {
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.find_by_provider_id", func(ctx context.Context) (*PaymentRecord, error) {
		return l.repo.FindByProviderPaymentID(ctx, providerPaymentID)
	})
}

func (l *Ledger) FindByInvoiceID(ctx context.Context, invoiceID string) (*PaymentRecord, error) {
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.find_by_invoice", func(ctx context.Context) (*PaymentRecord, error) {
		return l.repo.FindByInvoiceID(ctx, invoiceID)
	})
}

func (l *Ledger) InvoiceIDsForProviderSubscription(ctx context.Context, providerSubscriptionID string) ([]string, error) {
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.invoice_ids", func(ctx context.Context) ([]string, error) {
		return l.repo.ListInvoiceIDsByProviderSubscription(ctx, providerSubscriptionID)
	})
}

func (l *Ledger) ListByProviderSubscription(ctx context.Context, providerSubscriptionID string, statuses ...Status) ([]*PaymentRecord, error) {
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.list_by_subscription", func(ctx context.Context) ([]*PaymentRecord, error) {
		return l.repo.ListByProviderSubscription(ctx, providerSubscriptionID, statuses)
	})
}

func (l *Ledger) ListRetryEligible(ctx context.Context, maxAttempts, limit int) ([]*PaymentRecord, error) {
	now := l.now()
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.retry_eligible", func(ctx context.Context) ([]*PaymentRecord, error) {
		return l.repo.ListRetryEligible(ctx, now, maxAttempts, limit)
	})
}

func (l *Ledger) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*PaymentRecord, error) {
	cutoff := l.now().Add(-olderThan)
	return resilience.Call(ctx, l.exec, resilience.ClassDatabase, "ledger.stale_pending", func(ctx context.Context) ([]*PaymentRecord, error) {
		return l.repo.ListStalePending(ctx, cutoff, limit)
	})
}

// IsNotFound reports a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, derrors.ErrNotFound)
}
