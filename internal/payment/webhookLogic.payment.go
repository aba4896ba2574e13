// internal/payment/webhookLogic.payment.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

const zeroAmountResult = "skipped-zero-amount"

// HandleInvoicePaid records a paid invoice as a PENDING payment.
// Replays return the id of the record created by the first delivery.
func (s *Service) HandleInvoicePaid(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	if evt.InvoiceID == "" {
		return Outcome{}, derrors.Validation("invoice_id", "missing on %s", evt.Type)
	}
	s.log.Info("[Webhook] invoice paid",
		zap.String("invoice_id", evt.InvoiceID),
		zap.String("event_id", evt.ID),
		zap.String("correlation_id", meta.CorrelationID))

	result, replayed, err := s.guard.Do(ctx, idempotency.InvoicePaidKey(evt.InvoiceID), s.settings.InvoicePaidTTL,
		func(ctx context.Context) (string, error) {
			return s.recordInvoicePaid(ctx, evt, meta)
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

func (s *Service) recordInvoicePaid(ctx context.Context, evt ProviderEvent, meta EventMetadata) (string, error) {
	// the key may have expired or been lost; the ledger is the source of truth
	existing, err := s.ledger.FindByInvoiceID(ctx, evt.InvoiceID)
	switch {
	case err == nil:
		return s.reviveFailed(ctx, existing)
	case !ledger.IsNotFound(err):
		return "", err
	}

	// nothing to collect: trials and fully discounted invoices
	if evt.AmountMinor == 0 {
		s.log.Info("[Webhook] invoice has zero amount, nothing recorded", zap.String("invoice_id", evt.InvoiceID))
		return zeroAmountResult, nil
	}

	client, err := s.provider(evt.Provider)
	if err != nil {
		return "", err
	}
	// fee check runs before any write
	breakdown, err := s.fees.Calculate(ctx, evt.AmountMinor, s.providerFee(client, evt.PaymentIntentID))
	if err != nil {
		return "", err
	}

	rec, err := s.ledger.Create(ctx, &ledger.PaymentRecord{
		Provider:               client.Name(),
		ProviderPaymentID:      evt.PaymentIntentID,
		InvoiceID:              evt.InvoiceID,
		SubscriptionID:         meta.SubscriptionID,
		UserID:                 meta.UserID,
		ProviderSubscriptionID: evt.ProviderSubscriptionID,
		ProviderCustomerID:     evt.CustomerID,
		CorrelationID:          meta.CorrelationID,
		Currency:               evt.Currency,
		Total:                  breakdown.Total,
		ProviderFee:            breakdown.ProviderFee,
		PlatformFee:            breakdown.PlatformFee,
		Net:                    breakdown.Net,
		Status:                 ledger.StatusPending,
	}, ledger.EventPaymentReceived)
	if err != nil {
		if id, ok := derrors.ExistingID(err); ok {
			return id, nil
		}
		return "", err
	}

	s.notify(ctx, rec.UserID, TemplatePaymentReceived, recordData(rec))
	return rec.ID.String(), nil
}

// reviveFailed: an invoice paid after a failure means a collection attempt
// succeeded outside the scheduler; the record goes back to PENDING.
func (s *Service) reviveFailed(ctx context.Context, rec *ledger.PaymentRecord) (string, error) {
	if rec.Status != ledger.StatusFailed {
		return rec.ID.String(), nil
	}
	_, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{
		To:    ledger.StatusPending,
		Event: ledger.EventPaymentReceived,
	})
	if err != nil && !errors.Is(err, derrors.ErrInvalidState) {
		return "", err
	}
	return rec.ID.String(), nil
}

// HandlePaymentFailed marks the matching record FAILED (scheduling its retry),
// or records a FAILED payment when the failure is the first thing we hear.
func (s *Service) HandlePaymentFailed(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	if evt.PaymentIntentID == "" {
		return Outcome{}, derrors.Validation("payment_intent", "missing on %s", evt.Type)
	}
	key := idempotency.PaymentFailedKey(evt.PaymentIntentID, evt.ID)
	result, replayed, err := s.guard.Do(ctx, key, s.settings.LifecycleTTL, func(ctx context.Context) (string, error) {
		return s.recordFailure(ctx, evt, meta)
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

func (s *Service) recordFailure(ctx context.Context, evt ProviderEvent, meta EventMetadata) (string, error) {
	reason := failureReason(evt)
	rec, err := s.findForEvent(ctx, evt)
	if err != nil && !ledger.IsNotFound(err) {
		return "", err
	}

	if rec != nil {
		if rec.Status != ledger.StatusPending && rec.Status != ledger.StatusQueued {
			s.log.Info("[Webhook] failure ignored for settled record",
				zap.String("payment_id", rec.ID.String()), zap.String("status", string(rec.Status)))
			return rec.ID.String(), nil
		}
		next, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{
			To:    ledger.StatusFailed,
			Event: ledger.EventPaymentFailed,
			Apply: func(next *ledger.PaymentRecord) {
				next.FailureReason = reason
				if next.ProviderPaymentID == "" {
					next.ProviderPaymentID = evt.PaymentIntentID
				}
			},
		})
		if err != nil {
			return "", err
		}
		s.notify(ctx, next.UserID, TemplatePaymentFailed, failureData(next))
		return next.ID.String(), nil
	}

	if evt.AmountMinor == 0 {
		return zeroAmountResult, nil
	}
	// a new record must be owned; only metadata can say by whom
	if meta.UserID == uuid.Nil || meta.SubscriptionID == uuid.Nil {
		return "", derrors.Validation(MetaUserID, "%s and %s required to record a failure for unknown payment intent %s",
			MetaUserID, MetaSubscriptionID, evt.PaymentIntentID)
	}
	// no charge settled, so no provider fee
	breakdown, err := s.fees.Calculate(ctx, evt.AmountMinor, billing.FixedFee(0))
	if err != nil {
		return "", err
	}
	created, err := s.ledger.Create(ctx, &ledger.PaymentRecord{
		Provider:               evt.Provider,
		ProviderPaymentID:      evt.PaymentIntentID,
		InvoiceID:              evt.InvoiceID,
		SubscriptionID:         meta.SubscriptionID,
		UserID:                 meta.UserID,
		ProviderSubscriptionID: evt.ProviderSubscriptionID,
		ProviderCustomerID:     evt.CustomerID,
		CorrelationID:          meta.CorrelationID,
		Currency:               evt.Currency,
		Total:                  breakdown.Total,
		ProviderFee:            breakdown.ProviderFee,
		PlatformFee:            breakdown.PlatformFee,
		Net:                    breakdown.Net,
		Status:                 ledger.StatusFailed,
		FailureReason:          reason,
	}, ledger.EventPaymentFailed)
	if err != nil {
		if id, ok := derrors.ExistingID(err); ok {
			return id, nil
		}
		return "", err
	}
	s.notify(ctx, created.UserID, TemplatePaymentFailed, failureData(created))
	return created.ID.String(), nil
}

func failureReason(evt ProviderEvent) string {
	switch {
	case evt.FailureCode != "" && evt.FailureMessage != "":
		return evt.FailureCode + ": " + evt.FailureMessage
	case evt.FailureCode != "":
		return evt.FailureCode
	case evt.FailureMessage != "":
		return evt.FailureMessage
	}
	return "payment_failed"
}

func failureData(rec *ledger.PaymentRecord) map[string]string {
	d := recordData(rec)
	d["reason"] = rec.FailureReason
	d["attempt"] = strconv.Itoa(rec.AttemptCount)
	if rec.NextRetryAt != nil {
		d["nextRetryAt"] = rec.NextRetryAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return d
}

// findForEvent looks the record up by provider payment id, then invoice id.
func (s *Service) findForEvent(ctx context.Context, evt ProviderEvent) (*ledger.PaymentRecord, error) {
	var lastErr error = derrors.NotFound("payment for event", evt.ID)
	if evt.PaymentIntentID != "" {
		rec, err := s.ledger.FindByProviderPaymentID(ctx, evt.PaymentIntentID)
		if err == nil {
			return rec, nil
		}
		if !ledger.IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	if evt.InvoiceID != "" {
		return s.ledger.FindByInvoiceID(ctx, evt.InvoiceID)
	}
	return nil, lastErr
}

// HandlePaymentSucceeded confirms a payment (FILLED) after checking the
// provider's view of the intent.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	if evt.PaymentIntentID == "" {
		return Outcome{}, derrors.Validation("payment_intent", "missing on %s", evt.Type)
	}
	result, replayed, err := s.guard.Do(ctx, idempotency.PaymentConfirmedKey(evt.PaymentIntentID), s.settings.InvoicePaidTTL,
		func(ctx context.Context) (string, error) {
			rec, err := s.findForEvent(ctx, evt)
			if ledger.IsNotFound(err) {
				// invoice.paid not seen yet; stale-pending sync confirms it later
				return "", fmt.Errorf("confirm %s: %w", evt.PaymentIntentID, err)
			}
			if err != nil {
				return "", err
			}
			return s.confirm(ctx, rec, evt.PaymentIntentID)
		})
	if ledger.IsNotFound(err) {
		s.log.Info("[Webhook] no record to confirm yet", zap.String("payment_intent", evt.PaymentIntentID))
		return Outcome{Handled: true, Result: "no-record"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

// confirm verifies the intent with the provider and moves the record to FILLED.
func (s *Service) confirm(ctx context.Context, rec *ledger.PaymentRecord, paymentIntentID string) (string, error) {
	if rec.Status == ledger.StatusFilled {
		return rec.ID.String(), nil
	}
	if rec.Status == ledger.StatusCancelled {
		s.log.Error("[CRITICAL] payment succeeded at provider but is cancelled locally",
			zap.String("payment_id", rec.ID.String()),
			zap.String("payment_intent", paymentIntentID),
			zap.Bool("manual_resolution", true))
		return rec.ID.String(), nil
	}

	client, err := s.provider(rec.Provider)
	if err != nil {
		return "", err
	}
	intent, err := resilience.CriticalCall(ctx, s.exec, resilience.ClassProvider, "provider.get_payment_intent",
		func(ctx context.Context) (*PaymentIntent, error) {
			return client.GetPaymentIntent(ctx, paymentIntentID)
		})
	if err != nil {
		return "", err
	}
	if intent.Status != IntentSucceeded {
		return "", derrors.Validation("payment_intent", "provider reports %s, not succeeded", intent.Status)
	}

	if rec.Status == ledger.StatusFailed {
		if _, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{To: ledger.StatusPending, Event: ledger.EventPaymentReceived}); err != nil {
			return "", err
		}
	}
	filled, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{
		To:    ledger.StatusFilled,
		Event: ledger.EventPaymentConfirmed,
		Apply: func(next *ledger.PaymentRecord) {
			if next.ProviderPaymentID == "" {
				next.ProviderPaymentID = paymentIntentID
			}
		},
	})
	if err != nil {
		return "", err
	}
	s.notify(ctx, filled.UserID, TemplatePaymentConfirmed, recordData(filled))
	return filled.ID.String(), nil
}

// HandleCheckoutCompleted links the local subscription to the provider's.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	if evt.ProviderSubscriptionID == "" {
		return Outcome{}, derrors.Validation("subscription", "missing on %s", evt.Type)
	}
	result, replayed, err := s.guard.Do(ctx, idempotency.CheckoutCompletedKey(evt.ObjectID), s.settings.LifecycleTTL,
		func(ctx context.Context) (string, error) {
			link := SubscriptionLink{
				SubscriptionID:         meta.SubscriptionID,
				UserID:                 meta.UserID,
				Provider:               evt.Provider,
				ProviderSubscriptionID: evt.ProviderSubscriptionID,
				ProviderCustomerID:     evt.CustomerID,
				Status:                 SubscriptionActive,
			}
			err := s.exec.Critical(ctx, resilience.ClassDatabase, "subscriptions.link", func(ctx context.Context) error {
				return s.subscriptions.LinkProviderSubscription(ctx, link)
			})
			if err != nil {
				return "", err
			}
			s.notify(ctx, meta.UserID, TemplateSubscriptionActivated, map[string]string{
				"subscriptionId": meta.SubscriptionID.String(),
			})
			return "linked", nil
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

// HandleSetupIntentSucceeded makes the newly saved method the customer's default.
func (s *Service) HandleSetupIntentSucceeded(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	if evt.CustomerID == "" || evt.PaymentMethodID == "" {
		return Outcome{}, derrors.Validation("setup_intent", "customer and payment method required")
	}
	result, replayed, err := s.guard.Do(ctx, idempotency.SetupIntentSucceededKey(evt.ObjectID), s.settings.LifecycleTTL,
		func(ctx context.Context) (string, error) {
			client, err := s.provider(evt.Provider)
			if err != nil {
				return "", err
			}
			err = s.exec.Critical(ctx, resilience.ClassProvider, "provider.set_default_payment_method", func(ctx context.Context) error {
				return client.SetDefaultPaymentMethod(ctx, evt.CustomerID, evt.PaymentMethodID)
			})
			if err != nil {
				return "", err
			}
			return "default-payment-method-set", nil
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

// HandleSubscriptionDeleted cancels every open payment of the subscription.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	return s.subscriptionLifecycle(ctx, evt, meta, "deleted", SubscriptionCancelled,
		[]ledger.Status{ledger.StatusPending, ledger.StatusQueued},
		func(ctx context.Context, rec *ledger.PaymentRecord) error {
			_, err := s.ledger.Cancel(ctx, rec.ID, "subscription deleted")
			return err
		})
}

// HandleSubscriptionPaused parks PENDING payments as QUEUED.
func (s *Service) HandleSubscriptionPaused(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	return s.subscriptionLifecycle(ctx, evt, meta, "paused", SubscriptionPaused,
		[]ledger.Status{ledger.StatusPending},
		func(ctx context.Context, rec *ledger.PaymentRecord) error {
			_, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{To: ledger.StatusQueued, Event: ledger.EventPaymentQueued})
			return err
		})
}

// HandleSubscriptionResumed returns QUEUED payments to PENDING.
func (s *Service) HandleSubscriptionResumed(ctx context.Context, evt ProviderEvent, meta EventMetadata) (Outcome, error) {
	return s.subscriptionLifecycle(ctx, evt, meta, "resumed", SubscriptionActive,
		[]ledger.Status{ledger.StatusQueued},
		func(ctx context.Context, rec *ledger.PaymentRecord) error {
			_, err := s.ledger.Transition(ctx, rec.ID, ledger.Change{To: ledger.StatusPending, Event: ledger.EventPaymentResumed})
			return err
		})
}

func (s *Service) subscriptionLifecycle(
	ctx context.Context,
	evt ProviderEvent,
	meta EventMetadata,
	kind string,
	status SubscriptionStatus,
	from []ledger.Status,
	apply func(ctx context.Context, rec *ledger.PaymentRecord) error,
) (Outcome, error) {
	subID := evt.ProviderSubscriptionID
	if subID == "" {
		subID = evt.ObjectID
	}
	if subID == "" {
		return Outcome{}, derrors.Validation("subscription", "missing on %s", evt.Type)
	}
	eventID := evt.ID
	if eventID == "" {
		eventID = subID
	}

	result, replayed, err := s.guard.Do(ctx, idempotency.SubscriptionEventKey(kind, eventID), s.settings.LifecycleTTL,
		func(ctx context.Context) (string, error) {
			err := s.exec.Critical(ctx, resilience.ClassDatabase, "subscriptions.status", func(ctx context.Context) error {
				return s.subscriptions.UpdateSubscriptionStatus(ctx, subID, status)
			})
			if err != nil {
				return "", err
			}
			recs, err := s.ledger.ListByProviderSubscription(ctx, subID, from...)
			if err != nil {
				return "", err
			}
			changed := 0
			for _, rec := range recs {
				err := apply(ctx, rec)
				if errors.Is(err, derrors.ErrInvalidState) {
					// moved concurrently (filled, failed); leave it
					continue
				}
				if err != nil {
					return "", err
				}
				changed++
			}
			if kind == "deleted" {
				s.notify(ctx, meta.UserID, TemplateSubscriptionEnded, map[string]string{
					"subscriptionId": meta.SubscriptionID.String(),
				})
			}
			s.log.Info("[Webhook] subscription lifecycle applied",
				zap.String("kind", kind),
				zap.String("provider_subscription", subID),
				zap.Int("payments_changed", changed))
			return fmt.Sprintf("%s:%d", kind, changed), nil
		})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: true, Replayed: replayed, Result: result}, nil
}

// ResolveInvoiceMetadata fetches correlation metadata from the provider
// invoice when an event's own object lacks it.
func (s *Service) ResolveInvoiceMetadata(ctx context.Context, providerName, invoiceID string) (map[string]string, error) {
	client, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	inv, err := resilience.Call(ctx, s.exec, resilience.ClassProvider, "provider.get_invoice",
		func(ctx context.Context) (*Invoice, error) {
			return client.GetInvoice(ctx, invoiceID)
		})
	if err != nil {
		return nil, err
	}
	return inv.Metadata, nil
}
