// internal/payment/cancel.payment.go
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// CancelPayment cancels a PENDING or QUEUED payment at the provider and in the
// ledger. Concurrent or repeated requests for the same payment reach the
// provider once; later callers get the first caller's result.
func (s *Service) CancelPayment(ctx context.Context, paymentID uuid.UUID, reason string) (Outcome, error) {
	if reason == "" {
		reason = "requested_by_customer"
	}
	result, replayed, err := s.guard.Do(ctx, idempotency.PaymentCancelledKey(paymentID.String()), s.settings.CancelTTL,
		func(ctx context.Context) (string, error) {
			return s.cancel(ctx, paymentID, reason)
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

func (s *Service) cancel(ctx context.Context, paymentID uuid.UUID, reason string) (string, error) {
	rec, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return "", err
	}
	// early reject; the ledger re-checks inside the conditional update
	if !ledger.CancelEligibility(rec.Status) {
		return "", derrors.InvalidState(string(rec.Status), string(ledger.StatusCancelled))
	}

	if rec.ProviderPaymentID != "" {
		client, err := s.provider(rec.Provider)
		if err != nil {
			return "", err
		}
		_, err = resilience.CriticalCall(ctx, s.exec, resilience.ClassProvider, "provider.cancel_payment",
			func(ctx context.Context) (*ProviderResult, error) {
				return client.CancelPayment(ctx, rec.ProviderPaymentID, reason)
			})
		if err != nil {
			return "", err
		}
	}

	cancelled, err := s.ledger.Cancel(ctx, paymentID, reason)
	if err != nil {
		if errors.Is(err, derrors.ErrInvalidState) {
			// provider cancelled but the record moved on in between
			s.log.Error("[CRITICAL] payment cancelled at provider but ledger refused",
				zap.String("payment_id", paymentID.String()),
				zap.String("provider_payment_id", rec.ProviderPaymentID),
				zap.Error(err),
				zap.Bool("manual_resolution", true))
		}
		return "", err
	}

	s.notify(ctx, cancelled.UserID, TemplatePaymentCancelled, recordData(cancelled))
	return cancelled.ID.String(), nil
}
