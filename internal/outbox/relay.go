// internal/outbox/relay.go
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// Store is the outbox side of the ledger repository.
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]ledger.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

const defaultMaxAttempts = 10

// Publisher matches shared/kafka.Publisher.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Envelope is the message written to the broker. Consumers dedupe on ID.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	PaymentID uuid.UUID       `json:"paymentId"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Relay publishes committed outbox rows. Delivery is at-least-once: a crash
// between publish and MarkPublished re-sends the event on the next pass.
type Relay struct {
	store     Store
	publisher Publisher
	exec      *resilience.Executor
	log       *zap.Logger
	batchSize   int
	interval    time.Duration
	maxAttempts int
	clock       func() time.Time
}

func NewRelay(store Store, publisher Publisher, exec *resilience.Executor, log *zap.Logger, batchSize int, interval time.Duration) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		exec:      exec,
		log:       log.Named("outbox"),
		batchSize:   batchSize,
		interval:    interval,
		maxAttempts: defaultMaxAttempts,
		clock:       time.Now,
	}
}

// WithMaxAttempts sets how many failed publishes an event gets before it is
// dead-lettered.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Start polls until ctx is cancelled. Blocking call.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("[Outbox] relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("[Outbox] relay stopping")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Warn("[Outbox] flush incomplete", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch in write order. A failed event holds back the
// rest of its payment's events until a later pass, so per-payment order is
// kept while other payments keep flowing. An event that fails maxAttempts
// times is dead-lettered and stops holding its payment back.
// Returns how many were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished: %w", err)
	}
	var (
		published int
		failed    int
		firstErr  error
		held      = make(map[uuid.UUID]struct{})
	)
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if _, ok := held[evt.PaymentID]; ok {
			continue
		}
		if err := r.publish(ctx, evt); err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s %s: %w", evt.Name, evt.ID, err)
			}
			if !r.recordFailure(ctx, evt, err) {
				held[evt.PaymentID] = struct{}{}
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, evt.ID, r.clock().UTC()); err != nil {
			// the event is out; it will be re-sent and deduped downstream
			return published, fmt.Errorf("mark published %s: %w", evt.ID, err)
		}
		published++
	}
	if published > 0 {
		r.log.Debug("[Outbox] batch published", zap.Int("count", published))
	}
	if failed > 0 {
		return published, fmt.Errorf("%d of %d events not published: %w", failed, len(events), firstErr)
	}
	return published, nil
}

// recordFailure counts a failed publish and reports whether the event was
// dead-lettered.
func (r *Relay) recordFailure(ctx context.Context, evt ledger.OutboxEvent, cause error) bool {
	if evt.Attempts+1 >= r.maxAttempts {
		if err := r.store.MarkDeadLettered(ctx, evt.ID, cause.Error(), r.clock().UTC()); err != nil {
			r.log.Error("[Outbox] could not dead-letter event", zap.String("event_id", evt.ID.String()), zap.Error(err))
			return false
		}
		r.log.Error("[CRITICAL] outbox event dead-lettered",
			zap.String("event_id", evt.ID.String()),
			zap.String("event", evt.Name),
			zap.String("payment_id", evt.PaymentID.String()),
			zap.Int("attempts", evt.Attempts+1),
			zap.Error(cause),
			zap.Bool("manual_resolution", true))
		return true
	}
	if err := r.store.MarkFailed(ctx, evt.ID, cause.Error()); err != nil {
		r.log.Error("[Outbox] could not record failure", zap.String("event_id", evt.ID.String()), zap.Error(err))
	}
	return false
}

func (r *Relay) publish(ctx context.Context, evt ledger.OutboxEvent) error {
	env := Envelope{
		ID:        evt.ID,
		Name:      evt.Name,
		PaymentID: evt.PaymentID,
		CreatedAt: evt.CreatedAt,
		Payload:   evt.Payload,
	}
	send := func(ctx context.Context) error {
		return r.publisher.Publish(ctx, evt.PaymentID.String(), env)
	}
	if r.exec == nil {
		return send(ctx)
	}
	return r.exec.Run(ctx, resilience.ClassProvider, "outbox.publish", send)
}
