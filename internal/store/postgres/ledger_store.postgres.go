package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/outbox"
)

var (
	_ ledger.Repository = (*LedgerStore)(nil)
	_ outbox.Store      = (*LedgerStore)(nil)
)

// LedgerStore persists payment records and their outbox rows. Every record
// write and its outbox row commit in one transaction.
type LedgerStore struct {
	tx *TxManager
}

func NewLedgerStore(tx *TxManager) *LedgerStore {
	return &LedgerStore{tx: tx}
}

const paymentColumns = `
	id, provider, provider_payment_id, invoice_id, subscription_id, user_id,
	provider_subscription_id, provider_customer_id, correlation_id,
	currency, total, provider_fee, platform_fee, net, status,
	attempt_count, last_attempt_at, next_retry_at, failure_reason,
	created_at, updated_at`

const uniqueViolation = "23505"

// mapError turns driver errors into the domain taxonomy. Constraint
// violations are not transient; everything else is a DatabaseError.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return derrors.Duplicate(pqErr.Constraint, "")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return derrors.Database(op, err)
}

func (s *LedgerStore) Insert(ctx context.Context, rec *ledger.PaymentRecord, evt ledger.OutboxEvent) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		db := s.tx.conn(ctx)
		// DO NOTHING covers both unique keys; the winner is looked up below.
		res, err := db.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			        $16, $17, $18, $19, $20, $21)
			ON CONFLICT DO NOTHING`,
			rec.ID, rec.Provider, rec.ProviderPaymentID, rec.InvoiceID, rec.SubscriptionID, rec.UserID,
			rec.ProviderSubscriptionID, rec.ProviderCustomerID, rec.CorrelationID,
			rec.Currency, rec.Total, rec.ProviderFee, rec.PlatformFee, rec.Net, string(rec.Status),
			rec.AttemptCount, rec.LastAttemptAt, rec.NextRetryAt, rec.FailureReason,
			rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return mapError("insert payment", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError("insert payment", err)
		}
		if n == 0 {
			return s.duplicateOf(ctx, db, rec)
		}
		return insertOutbox(ctx, db, evt)
	})
}

func (s *LedgerStore) duplicateOf(ctx context.Context, db dbtx, rec *ledger.PaymentRecord) error {
	var existing uuid.UUID
	err := db.QueryRowContext(ctx, `
		SELECT id FROM payments
		WHERE id = $1
		   OR (invoice_id IS NOT NULL AND invoice_id = NULLIF($2, ''))
		   OR (provider_payment_id IS NOT NULL AND provider_payment_id = NULLIF($3, ''))
		LIMIT 1`,
		rec.ID, rec.InvoiceID, rec.ProviderPaymentID,
	).Scan(&existing)
	if err != nil {
		return mapError("find duplicate payment", err)
	}
	key := "invoice " + rec.InvoiceID
	if rec.InvoiceID == "" {
		key = "provider payment " + rec.ProviderPaymentID
	}
	return derrors.Duplicate(key, existing.String())
}

func insertOutbox(ctx context.Context, db dbtx, evt ledger.OutboxEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, name, payment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, evt.Name, evt.PaymentID, []byte(evt.Payload), evt.CreatedAt,
	)
	return mapError("insert outbox event", err)
}

func (s *LedgerStore) UpdateIfStatus(ctx context.Context, rec *ledger.PaymentRecord, expected ledger.Status, evt ledger.OutboxEvent) (bool, error) {
	updated := false
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		db := s.tx.conn(ctx)
		res, err := db.ExecContext(ctx, `
			UPDATE payments SET
				provider_payment_id = COALESCE(NULLIF($3, ''), provider_payment_id),
				status = $4,
				attempt_count = $5,
				last_attempt_at = $6,
				next_retry_at = $7,
				failure_reason = $8,
				provider_customer_id = $9,
				updated_at = $10
			WHERE id = $1 AND status = $2`,
			rec.ID, string(expected),
			rec.ProviderPaymentID, string(rec.Status), rec.AttemptCount,
			rec.LastAttemptAt, rec.NextRetryAt, rec.FailureReason,
			rec.ProviderCustomerID, rec.UpdatedAt,
		)
		if err != nil {
			return mapError("update payment", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError("update payment", err)
		}
		if n == 0 {
			// status moved underneath us; nothing to publish
			return nil
		}
		updated = true
		return insertOutbox(ctx, db, evt)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*ledger.PaymentRecord, error) {
	var (
		rec               ledger.PaymentRecord
		providerPaymentID sql.NullString
		invoiceID         sql.NullString
		status            string
		lastAttemptAt     sql.NullTime
		nextRetryAt       sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.Provider, &providerPaymentID, &invoiceID, &rec.SubscriptionID, &rec.UserID,
		&rec.ProviderSubscriptionID, &rec.ProviderCustomerID, &rec.CorrelationID,
		&rec.Currency, &rec.Total, &rec.ProviderFee, &rec.PlatformFee, &rec.Net, &status,
		&rec.AttemptCount, &lastAttemptAt, &nextRetryAt, &rec.FailureReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ProviderPaymentID = providerPaymentID.String
	rec.InvoiceID = invoiceID.String
	rec.Status = ledger.Status(status)
	rec.LastAttemptAt = timePtr(lastAttemptAt)
	rec.NextRetryAt = timePtr(nextRetryAt)
	return &rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *LedgerStore) getOne(ctx context.Context, what, id, where string, arg any) (*ledger.PaymentRecord, error) {
	row := s.tx.conn(ctx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.NotFound(what, id)
	}
	if err != nil {
		return nil, mapError("get "+what, err)
	}
	return rec, nil
}

func (s *LedgerStore) Get(ctx context.Context, id uuid.UUID) (*ledger.PaymentRecord, error) {
	return s.getOne(ctx, "payment", id.String(), "id = $1", id)
}

func (s *LedgerStore) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*ledger.PaymentRecord, error) {
	if providerPaymentID == "" {
		return nil, derrors.NotFound("provider payment", providerPaymentID)
	}
	return s.getOne(ctx, "provider payment", providerPaymentID, "provider_payment_id = $1", providerPaymentID)
}

func (s *LedgerStore) FindByInvoiceID(ctx context.Context, invoiceID string) (*ledger.PaymentRecord, error) {
	if invoiceID == "" {
		return nil, derrors.NotFound("invoice", invoiceID)
	}
	return s.getOne(ctx, "invoice", invoiceID, "invoice_id = $1", invoiceID)
}

func (s *LedgerStore) ListInvoiceIDsByProviderSubscription(ctx context.Context, providerSubscriptionID string) ([]string, error) {
	rows, err := s.tx.conn(ctx).QueryContext(ctx, `
		SELECT invoice_id FROM payments
		WHERE provider_subscription_id = $1 AND invoice_id IS NOT NULL`,
		providerSubscriptionID,
	)
	if err != nil {
		return nil, mapError("list invoice ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("scan invoice id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list invoice ids", err)
	}
	return ids, nil
}

func (s *LedgerStore) ListByProviderSubscription(ctx context.Context, providerSubscriptionID string, statuses []ledger.Status) ([]*ledger.PaymentRecord, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.list(ctx, "list by subscription", `
		WHERE provider_subscription_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at ASC`,
		providerSubscriptionID, pq.Array(names),
	)
}

func (s *LedgerStore) ListRetryEligible(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*ledger.PaymentRecord, error) {
	return s.list(ctx, "list retry eligible", `
		WHERE status = 'FAILED' AND next_retry_at <= $1 AND attempt_count < $2
		ORDER BY next_retry_at ASC
		LIMIT $3`,
		now, maxAttempts, limit,
	)
}

func (s *LedgerStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*ledger.PaymentRecord, error) {
	return s.list(ctx, "list stale pending", `
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		createdBefore, limit,
	)
}

func (s *LedgerStore) list(ctx context.Context, op, clause string, args ...any) ([]*ledger.PaymentRecord, error) {
	rows, err := s.tx.conn(ctx).QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments `+clause, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []*ledger.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// FetchUnpublished returns unpublished events in write order.
func (s *LedgerStore) FetchUnpublished(ctx context.Context, limit int) ([]ledger.OutboxEvent, error) {
	rows, err := s.tx.conn(ctx).QueryContext(ctx, `
		SELECT id, name, payment_id, payload, created_at, attempts, last_error
		FROM outbox_events
		WHERE published_at IS NULL AND dead_lettered_at IS NULL
		ORDER BY seq ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapError("fetch outbox", err)
	}
	defer rows.Close()

	var out []ledger.OutboxEvent
	for rows.Next() {
		var (
			evt     ledger.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Name, &evt.PaymentID, &payload, &evt.CreatedAt, &evt.Attempts, &evt.LastError); err != nil {
			return nil, mapError("scan outbox", err)
		}
		evt.Payload = payload
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("fetch outbox", err)
	}
	return out, nil
}

func (s *LedgerStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.tx.conn(ctx).ExecContext(ctx,
		`UPDATE outbox_events SET published_at = $2, attempts = attempts + 1 WHERE id = $1`, id, at)
	return mapError("mark outbox published", err)
}

func (s *LedgerStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.tx.conn(ctx).ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return mapError("mark outbox failed", err)
	}
	return nil
}

// MarkDeadLettered parks an event the relay gave up on. It stays in the table
// for inspection and manual replay (reset dead_lettered_at to NULL).
func (s *LedgerStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	_, err := s.tx.conn(ctx).ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, dead_lettered_at = $3
		WHERE id = $1`, id, reason, at)
	return mapError("dead-letter outbox event", err)
}
