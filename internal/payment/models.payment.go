// internal/payment/models.payment.go
package payment

import (
	"github.com/google/uuid"
)

// Provider event types this service reacts to.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventSetupIntentSucceeded = "setup_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventSubscriptionPaused   = "customer.subscription.paused"
	EventSubscriptionResumed  = "customer.subscription.resumed"
)

// ProviderEvent is a decoded, already-authenticated provider notification.
// Fields not carried by a given event type are left empty.
type ProviderEvent struct {
	ID       string // provider event id, e.g. "evt_..."
	Type     string
	Provider string // registry name, e.g. "stripe"

	ObjectID               string // id of the event's object (session, invoice, intent, subscription)
	InvoiceID              string
	PaymentIntentID        string
	ProviderSubscriptionID string
	CustomerID             string
	PaymentMethodID        string
	AmountMinor            int64
	Currency               string
	FailureCode            string
	FailureMessage         string

	Metadata map[string]string
}

// Outcome is what a handler reports back to the transport.
type Outcome struct {
	Handled  bool   // false for event types with no handler
	Replayed bool   // an idempotency hit returned the original result
	Result   string // payment record id or operation outcome
}

// Provider-side views consumed by the service.

type Invoice struct {
	ID                     string
	ProviderSubscriptionID string
	CustomerID             string
	PaymentIntentID        string
	AmountPaidMinor        int64
	Currency               string
	Paid                   bool
	Metadata               map[string]string
}

type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentCanceled              IntentStatus = "canceled"
)

type PaymentIntent struct {
	ID             string
	Status         IntentStatus
	InvoiceID      string
	CustomerID     string
	AmountMinor    int64
	Currency       string
	FailureCode    string
	FailureMessage string
	Metadata       map[string]string
}

type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	Metadata   map[string]string
}

// ProviderResult is the provider's answer to a retry or cancel.
type ProviderResult struct {
	ProviderID string
	Status     string
}

// Local lookups.

type User struct {
	ID                 uuid.UUID
	Email              string
	Name               string
	ProviderCustomerID string
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// SubscriptionLink binds a local subscription to its provider counterpart.
type SubscriptionLink struct {
	SubscriptionID         uuid.UUID
	UserID                 uuid.UUID
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 SubscriptionStatus
}

// Notification is a templated user message.
type Notification struct {
	Template string
	Email    string
	Name     string
	Data     map[string]string
}

// Notification templates.
const (
	TemplateSubscriptionActivated = "subscription-activated"
	TemplatePaymentReceived       = "payment-received"
	TemplatePaymentFailed         = "payment-failed"
	TemplatePaymentRetried        = "payment-retried"
	TemplatePaymentCancelled      = "payment-cancelled"
	TemplatePaymentConfirmed      = "payment-confirmed"
	TemplateSubscriptionEnded     = "subscription-ended"
)

// InvoicePaidEvent rebuilds the invoice.paid event for an invoice fetched from
// the provider, so backfills take the same path as webhooks.
func InvoicePaidEvent(provider string, inv Invoice) ProviderEvent {
	return ProviderEvent{
		ID:                     "reconcile-" + inv.ID,
		Type:                   EventInvoicePaid,
		Provider:               provider,
		ObjectID:               inv.ID,
		InvoiceID:              inv.ID,
		PaymentIntentID:        inv.PaymentIntentID,
		ProviderSubscriptionID: inv.ProviderSubscriptionID,
		CustomerID:             inv.CustomerID,
		AmountMinor:            inv.AmountPaidMinor,
		Currency:               inv.Currency,
		Metadata:               inv.Metadata,
	}
}
