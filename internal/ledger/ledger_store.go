// internal/ledger/ledger_store.go
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists payment records together with their outbox events.
// Lookups that miss return an error wrapping errors.ErrNotFound.
type Repository interface {
	// Insert writes rec and evt atomically. A record with the same provider
	// payment id or invoice id already present yields a DuplicateError
	// carrying the existing record id.
	Insert(ctx context.Context, rec *PaymentRecord, evt OutboxEvent) error
	// UpdateIfStatus writes rec and evt atomically only while the stored
	// status still equals expected. It returns false when the status moved.
	UpdateIfStatus(ctx context.Context, rec *PaymentRecord, expected Status, evt OutboxEvent) (bool, error)

	Get(ctx context.Context, id uuid.UUID) (*PaymentRecord, error)
	FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*PaymentRecord, error)
	FindByInvoiceID(ctx context.Context, invoiceID string) (*PaymentRecord, error)

	ListInvoiceIDsByProviderSubscription(ctx context.Context, providerSubscriptionID string) ([]string, error)
	// ListByProviderSubscription returns records in any of statuses (all when empty).
	ListByProviderSubscription(ctx context.Context, providerSubscriptionID string, statuses []Status) ([]*PaymentRecord, error)
	// ListRetryEligible: status FAILED, next_retry_at <= now, attempt_count < maxAttempts.
	ListRetryEligible(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*PaymentRecord, error)
	// ListStalePending: status PENDING created before createdBefore, oldest first.
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*PaymentRecord, error)
}
