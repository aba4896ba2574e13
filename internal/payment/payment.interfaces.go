// internal/payment/payment.interfaces.go
package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProviderClient is the narrow view of a payment provider the core needs.
type ProviderClient interface {
	Name() string
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	// GetFee returns the provider fee for a settled payment in major units.
	GetFee(ctx context.Context, paymentIntentID string) (decimal.Decimal, error)
	RetryPayment(ctx context.Context, providerPaymentID, providerSubscriptionID string) (*ProviderResult, error)
	CancelPayment(ctx context.Context, providerPaymentID, reason string) (*ProviderResult, error)
	// ListSubscriptionInvoices returns the paid invoices of a provider subscription.
	ListSubscriptionInvoices(ctx context.Context, providerSubscriptionID string) ([]Invoice, error)
	SearchSubscriptionsByMetadata(ctx context.Context, key, value string) ([]Subscription, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
}

// ProviderResolver maps a provider name to its client.
type ProviderResolver interface {
	Resolve(name string) (ProviderClient, error)
}

// Notifier delivers user notifications. Failures never affect payment state.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, n Notification) error
}

// UserDirectory resolves users to display data.
type UserDirectory interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
}

// SubscriptionStore keeps local subscriptions in step with the provider.
type SubscriptionStore interface {
	LinkProviderSubscription(ctx context.Context, link SubscriptionLink) error
	UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status SubscriptionStatus) error
}
