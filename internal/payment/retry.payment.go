// internal/payment/retry.payment.go
package payment

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// RetryPayment drives one provider-side retry of a FAILED payment and moves it
// back to PENDING. At most one retry per payment runs per UTC hour.
// A provider failure leaves the attempt count untouched.
func (s *Service) RetryPayment(ctx context.Context, paymentID uuid.UUID) (Outcome, error) {
	now := s.now()
	result, replayed, err := s.guard.Do(ctx, idempotency.PaymentRetryKey(paymentID.String(), now), s.settings.RetryTTL,
		func(ctx context.Context) (string, error) {
			return s.retry(ctx, paymentID, now)
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

func (s *Service) retry(ctx context.Context, paymentID uuid.UUID, now time.Time) (string, error) {
	rec, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if err := s.retryable(rec, now); err != nil {
		return "", err
	}

	client, err := s.provider(rec.Provider)
	if err != nil {
		return "", err
	}
	res, err := resilience.CriticalCall(ctx, s.exec, resilience.ClassProvider, "provider.retry_payment",
		func(ctx context.Context) (*ProviderResult, error) {
			return client.RetryPayment(ctx, rec.ProviderPaymentID, rec.ProviderSubscriptionID)
		})
	if err != nil {
		return "", err
	}

	retried, err := s.ledger.Transition(ctx, paymentID, ledger.Change{
		To:    ledger.StatusPending,
		Event: ledger.EventPaymentRetried,
		Require: func(current *ledger.PaymentRecord) error {
			return s.retryable(current, now)
		},
		Apply: func(next *ledger.PaymentRecord) {
			next.AttemptCount++
			t := now
			next.LastAttemptAt = &t
			next.NextRetryAt = nil
			if res != nil && res.ProviderID != "" {
				next.ProviderPaymentID = res.ProviderID
			}
		},
	})
	if err != nil {
		return "", err
	}

	s.log.Info("[Retry] payment retried",
		zap.String("payment_id", paymentID.String()),
		zap.Int("attempt", retried.AttemptCount))
	data := recordData(retried)
	data["attempt"] = strconv.Itoa(retried.AttemptCount)
	s.notify(ctx, retried.UserID, TemplatePaymentRetried, data)
	return retried.ID.String(), nil
}

// retryable holds the guard clauses of a retry.
func (s *Service) retryable(rec *ledger.PaymentRecord, now time.Time) error {
	switch {
	case rec.Status != ledger.StatusFailed:
		return derrors.InvalidState(string(rec.Status), string(ledger.StatusPending))
	case rec.AttemptCount >= s.settings.MaxRetryAttempts:
		return derrors.Validation("attempt_count", "%d of %d attempts used", rec.AttemptCount, s.settings.MaxRetryAttempts)
	case rec.NextRetryAt != nil && rec.NextRetryAt.After(now):
		return derrors.Validation("next_retry_at", "not due until %s", rec.NextRetryAt.Format(time.RFC3339))
	case rec.ProviderSubscriptionID == "":
		return derrors.Validation("provider_subscription_id", "required to retry")
	case rec.ProviderPaymentID == "":
		return derrors.Validation("provider_payment_id", "no provider charge to retry")
	}
	return nil
}
