package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
)

// LedgerStore keeps payment records and their outbox in process memory.
// Record and event are written under one lock, which stands in for the
// Postgres transaction.
type LedgerStore struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*ledger.PaymentRecord
	byInvoice  map[string]uuid.UUID
	byProvider map[string]uuid.UUID
	outbox     []*ledger.OutboxEvent
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		records:    make(map[uuid.UUID]*ledger.PaymentRecord),
		byInvoice:  make(map[string]uuid.UUID),
		byProvider: make(map[string]uuid.UUID),
	}
}

func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *LedgerStore) Insert(ctx context.Context, rec *ledger.PaymentRecord, evt ledger.OutboxEvent) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.InvoiceID != "" {
		if id, ok := s.byInvoice[rec.InvoiceID]; ok {
			return derrors.Duplicate("invoice "+rec.InvoiceID, id.String())
		}
	}
	if rec.ProviderPaymentID != "" {
		if id, ok := s.byProvider[rec.ProviderPaymentID]; ok {
			return derrors.Duplicate("provider payment "+rec.ProviderPaymentID, id.String())
		}
	}
	if _, ok := s.records[rec.ID]; ok {
		return derrors.Duplicate("payment "+rec.ID.String(), rec.ID.String())
	}

	s.records[rec.ID] = rec.Clone()
	s.index(rec)
	e := evt
	s.outbox = append(s.outbox, &e)
	return nil
}

func (s *LedgerStore) index(rec *ledger.PaymentRecord) {
	if rec.InvoiceID != "" {
		s.byInvoice[rec.InvoiceID] = rec.ID
	}
	if rec.ProviderPaymentID != "" {
		s.byProvider[rec.ProviderPaymentID] = rec.ID
	}
}

func (s *LedgerStore) UpdateIfStatus(ctx context.Context, rec *ledger.PaymentRecord, expected ledger.Status, evt ledger.OutboxEvent) (bool, error) {
	if err := ctxDone(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return false, derrors.NotFound("payment", rec.ID.String())
	}
	if cur.Status != expected {
		return false, nil
	}
	if rec.ProviderPaymentID != "" {
		if owner, ok := s.byProvider[rec.ProviderPaymentID]; ok && owner != rec.ID {
			return false, derrors.Duplicate("provider payment "+rec.ProviderPaymentID, owner.String())
		}
	}
	s.records[rec.ID] = rec.Clone()
	s.index(rec)
	e := evt
	s.outbox = append(s.outbox, &e)
	return true, nil
}

func (s *LedgerStore) Get(ctx context.Context, id uuid.UUID) (*ledger.PaymentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, derrors.NotFound("payment", id.String())
	}
	return rec.Clone(), nil
}

func (s *LedgerStore) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*ledger.PaymentRecord, error) {
	s.mu.RLock()
	id, ok := s.byProvider[providerPaymentID]
	s.mu.RUnlock()
	if !ok {
		return nil, derrors.NotFound("provider payment", providerPaymentID)
	}
	return s.Get(ctx, id)
}

func (s *LedgerStore) FindByInvoiceID(ctx context.Context, invoiceID string) (*ledger.PaymentRecord, error) {
	s.mu.RLock()
	id, ok := s.byInvoice[invoiceID]
	s.mu.RUnlock()
	if !ok {
		return nil, derrors.NotFound("invoice", invoiceID)
	}
	return s.Get(ctx, id)
}

func (s *LedgerStore) ListInvoiceIDsByProviderSubscription(ctx context.Context, providerSubscriptionID string) ([]string, error) {
	recs, err := s.ListByProviderSubscription(ctx, providerSubscriptionID, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.InvoiceID != "" {
			ids = append(ids, r.InvoiceID)
		}
	}
	return ids, nil
}

func (s *LedgerStore) ListByProviderSubscription(ctx context.Context, providerSubscriptionID string, statuses []ledger.Status) ([]*ledger.PaymentRecord, error) {
	return s.filter(ctx, 0, func(r *ledger.PaymentRecord) bool {
		if r.ProviderSubscriptionID != providerSubscriptionID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if r.Status == st {
				return true
			}
		}
		return false
	})
}

func (s *LedgerStore) ListRetryEligible(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*ledger.PaymentRecord, error) {
	return s.filter(ctx, limit, func(r *ledger.PaymentRecord) bool {
		return r.Status == ledger.StatusFailed &&
			r.AttemptCount < maxAttempts &&
			r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	})
}

func (s *LedgerStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*ledger.PaymentRecord, error) {
	return s.filter(ctx, limit, func(r *ledger.PaymentRecord) bool {
		return r.Status == ledger.StatusPending && r.CreatedAt.Before(createdBefore)
	})
}

// filter returns matching records oldest first.
func (s *LedgerStore) filter(ctx context.Context, limit int, match func(*ledger.PaymentRecord) bool) ([]*ledger.PaymentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*ledger.PaymentRecord
	for _, r := range s.records {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchUnpublished returns outbox events not yet published, in write order.
func (s *LedgerStore) FetchUnpublished(ctx context.Context, limit int) ([]ledger.OutboxEvent, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.OutboxEvent
	for _, e := range s.outbox {
		if e.PublishedAt != nil || e.DeadLetteredAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *LedgerStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			t := at
			e.PublishedAt = &t
			return nil
		}
	}
	return derrors.NotFound("outbox event", id.String())
}

func (s *LedgerStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			e.Attempts++
			e.LastError = reason
			return nil
		}
	}
	return derrors.NotFound("outbox event", id.String())
}

func (s *LedgerStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			t := at
			e.Attempts++
			e.LastError = reason
			e.DeadLetteredAt = &t
			return nil
		}
	}
	return derrors.NotFound("outbox event", id.String())
}

// Events returns a copy of every outbox event (published or not).
func (s *LedgerStore) Events() []ledger.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, *e)
	}
	return out
}

// Count returns the number of payment records.
func (s *LedgerStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
