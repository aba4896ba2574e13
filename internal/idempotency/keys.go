package idempotency

import (
	"fmt"
	"time"
)

// Keys are namespaced per operation so that, for example, marking a payment
// paid and cancelling it never collide.

func InvoicePaidKey(invoiceID string) string {
	return "invoice-paid-" + invoiceID
}

func PaymentCancelledKey(paymentID string) string {
	return "payment-cancelled-" + paymentID
}

// PaymentRetryKey buckets retries by UTC hour: one retry per payment per hour.
func PaymentRetryKey(paymentID string, at time.Time) string {
	return fmt.Sprintf("payment-retry-%s-%s", paymentID, at.UTC().Format("2006010215"))
}

// PaymentFailedKey includes the event id: one intent can fail more than once.
func PaymentFailedKey(providerPaymentID, eventID string) string {
	return fmt.Sprintf("payment-failed-%s-%s", providerPaymentID, eventID)
}

func PaymentConfirmedKey(providerPaymentID string) string {
	return "payment-confirmed-" + providerPaymentID
}

func CheckoutCompletedKey(sessionID string) string {
	return "checkout-completed-" + sessionID
}

func SetupIntentSucceededKey(setupIntentID string) string {
	return "setup-intent-succeeded-" + setupIntentID
}

// SubscriptionEventKey covers deleted, paused and resumed lifecycle events.
func SubscriptionEventKey(kind, eventID string) string {
	return fmt.Sprintf("subscription-%s-%s", kind, eventID)
}
