// internal/ledger/models.ledger.go
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"   // initial, awaiting provider confirmation
	StatusQueued    Status = "QUEUED"    // parked (subscription paused)
	StatusFilled    Status = "FILLED"    // terminal success
	StatusFailed    Status = "FAILED"    // recoverable, retry-eligible
	StatusCancelled Status = "CANCELLED" // terminal
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Domain event names written to the outbox.
const (
	EventPaymentReceived  = "payment.received"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRetried   = "payment.retried"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentQueued    = "payment.queued"
	EventPaymentResumed   = "payment.resumed"
)

// PaymentRecord is one payment attempt. Records are mutated in place on every
// transition and never deleted; FILLED and CANCELLED rows are history.
type PaymentRecord struct {
	ID                     uuid.UUID
	Provider               string // registry name, e.g. "stripe"
	ProviderPaymentID      string // e.g. "pi_3M..."; unique once known
	InvoiceID              string // provider invoice id; unique
	SubscriptionID         uuid.UUID
	UserID                 uuid.UUID
	ProviderSubscriptionID string
	ProviderCustomerID     string
	CorrelationID          string

	Currency    string
	Total       decimal.Decimal
	ProviderFee decimal.Decimal
	PlatformFee decimal.Decimal
	Net         decimal.Decimal

	Status Status

	// Retry metadata, populated once the record reaches FAILED.
	AttemptCount  int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *PaymentRecord) Clone() *PaymentRecord {
	c := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// OutboxEvent is written in the same transaction as the ledger mutation it
// describes and published later by the relay.
type OutboxEvent struct {
	ID          uuid.UUID
	Name        string
	PaymentID   uuid.UUID
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	// DeadLetteredAt is set once the relay gives up on the event.
	DeadLetteredAt *time.Time
}

// EventPayload is the JSON body consumers receive.
type EventPayload struct {
	Event          string    `json:"event"`
	PaymentID      uuid.UUID `json:"paymentId"`
	InvoiceID      string    `json:"invoiceId,omitempty"`
	UserID         uuid.UUID `json:"userId"`
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	Status         Status    `json:"status"`
	Currency       string    `json:"currency"`
	Total          string    `json:"total"`
	Net            string    `json:"net"`
	AttemptCount   int       `json:"attemptCount"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func newOutboxEvent(name string, rec *PaymentRecord, at time.Time) (OutboxEvent, error) {
	payload, err := json.Marshal(EventPayload{
		Event:          name,
		PaymentID:      rec.ID,
		InvoiceID:      rec.InvoiceID,
		UserID:         rec.UserID,
		SubscriptionID: rec.SubscriptionID,
		Status:         rec.Status,
		Currency:       rec.Currency,
		Total:          rec.Total.StringFixed(2),
		Net:            rec.Net.StringFixed(2),
		AttemptCount:   rec.AttemptCount,
		FailureReason:  rec.FailureReason,
		CorrelationID:  rec.CorrelationID,
		OccurredAt:     at,
	})
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		ID:        uuid.New(),
		Name:      name,
		PaymentID: rec.ID,
		Payload:   payload,
		CreatedAt: at,
	}, nil
}
