// internal/worker/reconciliation.payment.go
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

/*
A webhook can be lost: the provider gave up redelivering, the service was
down longer than the retry window, or a deploy dropped requests. The money
moved anyway. The Reconciler repairs the ledger against the provider:

  - ReconcileSubscription: paid invoices at the provider minus invoices in the
    ledger, each replayed through the normal invoice.paid path.
  - SyncStalePending: PENDING records older than a threshold are checked
    against the payment intent and confirmed or failed. Records without an
    intent are checked against their invoice and only ever confirmed.
*/

// ReconcileResult reports one reconciliation run.
// Processed + Skipped + Failed == TotalMissing.
type ReconcileResult struct {
	TotalMissing int
	Processed    int
	Skipped      int // missing or malformed metadata, zero amount
	Failed       int
}

func (r *ReconcileResult) add(o ReconcileResult) {
	r.TotalMissing += o.TotalMissing
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// SyncResult reports one stale-pending sync.
type SyncResult struct {
	Checked   int
	Filled    int
	Failed    int
	Unchanged int
}

type Reconciler struct {
	ledger    *ledger.Ledger
	payments  PaymentService
	providers payment.ProviderResolver
	exec      *resilience.Executor
	log       *zap.Logger

	provider    string // registry name used for subscription reconciliation
	workerCount int
	staleAfter  time.Duration
	batchSize   int
}

type ReconcilerConfig struct {
	Provider    string
	WorkerCount int
	StaleAfter  time.Duration
	BatchSize   int
}

func NewReconciler(
	l *ledger.Ledger,
	payments PaymentService,
	providers payment.ProviderResolver,
	exec *resilience.Executor,
	log *zap.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if exec == nil {
		exec = resilience.NewExecutor(log, nil)
	}
	if cfg.Provider == "" {
		cfg.Provider = "stripe"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		ledger:      l,
		payments:    payments,
		providers:   providers,
		exec:        exec,
		log:         log.Named("reconciler"),
		provider:    cfg.Provider,
		workerCount: cfg.WorkerCount,
		staleAfter:  cfg.StaleAfter,
		batchSize:   cfg.BatchSize,
	}
}

// ReconcileSubscription backfills paid invoices of a provider subscription
// that the ledger does not know about. A failing invoice is logged and does
// not stop the batch.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, providerSubscriptionID string) (ReconcileResult, error) {
	client, err := r.providers.Resolve(r.provider)
	if err != nil {
		return ReconcileResult{}, err
	}
	invoices, err := resilience.Call(ctx, r.exec, resilience.ClassBatch, "provider.list_subscription_invoices",
		func(ctx context.Context) ([]payment.Invoice, error) {
			return client.ListSubscriptionInvoices(ctx, providerSubscriptionID)
		})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list provider invoices for %s: %w", providerSubscriptionID, err)
	}
	localIDs, err := r.ledger.InvoiceIDsForProviderSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list local invoices for %s: %w", providerSubscriptionID, err)
	}

	missing := missingInvoices(invoices, localIDs)
	res := ReconcileResult{TotalMissing: len(missing)}
	if len(missing) == 0 {
		r.log.Info("[Reconciler] subscription in sync", zap.String("subscription", providerSubscriptionID))
		return res, nil
	}
	r.log.Info("[Reconciler] backfilling missing invoices",
		zap.String("subscription", providerSubscriptionID),
		zap.Int("provider_paid", len(invoices)),
		zap.Int("missing", len(missing)))

	var mu sync.Mutex
	runPool(ctx, missing, r.workerCount, func(ctx context.Context, inv payment.Invoice) {
		outcome := r.backfill(ctx, client.Name(), inv)
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case backfilled:
			res.Processed++
		case skipped:
			res.Skipped++
		default:
			res.Failed++
		}
	})
	// cancelled mid-batch: unprocessed invoices count as failed
	if done := res.Processed + res.Skipped + res.Failed; done < res.TotalMissing {
		res.Failed += res.TotalMissing - done
	}

	r.log.Info("[Reconciler] subscription reconciled",
		zap.String("subscription", providerSubscriptionID),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}

type backfillOutcome int

const (
	backfilled backfillOutcome = iota
	skipped
	failed
)

func (r *Reconciler) backfill(ctx context.Context, providerName string, inv payment.Invoice) backfillOutcome {
	meta, err := payment.ParseMetadata(inv.Metadata)
	if err != nil {
		r.log.Warn("[Reconciler] invoice skipped, metadata unusable",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		return skipped
	}
	if inv.AmountPaidMinor == 0 {
		return skipped
	}
	out, err := r.payments.HandleInvoicePaid(ctx, payment.InvoicePaidEvent(providerName, inv), meta)
	if err != nil {
		r.log.Warn("[Reconciler] invoice backfill failed",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		if isSkip(err) {
			return skipped
		}
		return failed
	}
	r.log.Info("[Reconciler] invoice backfilled",
		zap.String("invoice_id", inv.ID),
		zap.String("payment_id", out.Result),
		zap.Bool("replayed", out.Replayed))
	return backfilled
}

// missingInvoices is the set difference provider − local on invoice id.
func missingInvoices(provider []payment.Invoice, localIDs []string) []payment.Invoice {
	local := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		local[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(provider))
	var out []payment.Invoice
	for _, inv := range provider {
		if _, ok := local[inv.ID]; ok {
			continue
		}
		if _, dup := seen[inv.ID]; dup {
			continue
		}
		seen[inv.ID] = struct{}{}
		out = append(out, inv)
	}
	return out
}

// ReconcileUser reconciles every provider subscription tagged with the user's id.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID uuid.UUID) (ReconcileResult, error) {
	client, err := r.providers.Resolve(r.provider)
	if err != nil {
		return ReconcileResult{}, err
	}
	subs, err := resilience.Call(ctx, r.exec, resilience.ClassBatch, "provider.search_subscriptions",
		func(ctx context.Context) ([]payment.Subscription, error) {
			return client.SearchSubscriptionsByMetadata(ctx, payment.MetaUserID, userID.String())
		})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("search subscriptions of user %s: %w", userID, err)
	}

	var (
		mu    sync.Mutex
		total ReconcileResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workerCount)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			res, err := r.ReconcileSubscription(gctx, sub.ID)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			if err != nil {
				// one subscription failing does not stop the others
				r.log.Warn("[Reconciler] subscription reconciliation failed",
					zap.String("user_id", userID.String()),
					zap.String("subscription", sub.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, ctx.Err()
}

// SyncStalePending asks the provider about PENDING payments older than the
// stale threshold and applies its answer through the webhook handlers.
func (r *Reconciler) SyncStalePending(ctx context.Context) (SyncResult, error) {
	stale, err := r.ledger.ListStalePending(ctx, r.staleAfter, r.batchSize)
	if err != nil {
		return SyncResult{}, fmt.Errorf("select stale pending payments: %w", err)
	}
	res := SyncResult{Checked: len(stale)}
	if len(stale) == 0 {
		return res, nil
	}
	r.log.Info("[Reconciler] syncing stale pending payments", zap.Int("count", len(stale)))

	var mu sync.Mutex
	runPool(ctx, stale, r.workerCount, func(ctx context.Context, rec *ledger.PaymentRecord) {
		to, err := r.syncRecord(ctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Unchanged++
			r.log.Warn("[Reconciler] stale payment sync failed",
				zap.String("payment_id", rec.ID.String()), zap.Error(err))
			return
		}
		switch to {
		case ledger.StatusFilled:
			res.Filled++
		case ledger.StatusFailed:
			res.Failed++
		default:
			res.Unchanged++
		}
	})
	return res, ctx.Err()
}

// syncRecord compares one PENDING record with the provider and returns the
// status it moved to, or PENDING when nothing changed.
func (r *Reconciler) syncRecord(ctx context.Context, rec *ledger.PaymentRecord) (ledger.Status, error) {
	// no intent id: the invoice was settled without a charge (credit balance,
	// paid out of band), so the invoice itself is the provider's answer
	if rec.ProviderPaymentID == "" {
		return r.syncFromInvoice(ctx, rec)
	}

	client, err := r.providers.Resolve(rec.Provider)
	if err != nil {
		return ledger.StatusPending, err
	}
	intent, err := resilience.Call(ctx, r.exec, resilience.ClassProvider, "provider.get_payment_intent",
		func(ctx context.Context) (*payment.PaymentIntent, error) {
			return client.GetPaymentIntent(ctx, rec.ProviderPaymentID)
		})
	if err != nil {
		return ledger.StatusPending, err
	}
	r.log.Info("[Reconciler] provider status",
		zap.String("payment_id", rec.ID.String()),
		zap.String("provider_status", string(intent.Status)))

	evt := payment.ProviderEvent{
		ID:                     "stale-sync-" + rec.ID.String(),
		Provider:               rec.Provider,
		PaymentIntentID:        rec.ProviderPaymentID,
		InvoiceID:              rec.InvoiceID,
		ProviderSubscriptionID: rec.ProviderSubscriptionID,
		FailureCode:            intent.FailureCode,
		FailureMessage:         intent.FailureMessage,
	}
	meta := payment.EventMetadata{UserID: rec.UserID, SubscriptionID: rec.SubscriptionID, CorrelationID: rec.CorrelationID}

	switch intent.Status {
	case payment.IntentSucceeded:
		evt.Type = payment.EventPaymentSucceeded
		if _, err := r.payments.HandlePaymentSucceeded(ctx, evt, meta); err != nil {
			return ledger.StatusPending, err
		}
		return ledger.StatusFilled, nil
	case payment.IntentRequiresPaymentMethod, payment.IntentCanceled:
		evt.Type = payment.EventPaymentFailed
		if evt.FailureCode == "" {
			evt.FailureCode = "reconciled_" + string(intent.Status)
		}
		if _, err := r.payments.HandlePaymentFailed(ctx, evt, meta); err != nil {
			return ledger.StatusPending, err
		}
		return ledger.StatusFailed, nil
	}
	// processing, requires_action: leave it for the next pass
	return ledger.StatusPending, nil
}

// syncFromInvoice confirms a record that has no payment intent once the
// provider reports its invoice paid. It never fails the record: a record
// written from invoice.paid stands for money already collected.
func (r *Reconciler) syncFromInvoice(ctx context.Context, rec *ledger.PaymentRecord) (ledger.Status, error) {
	if rec.InvoiceID == "" {
		r.log.Warn("[Reconciler] stale payment has neither intent nor invoice, left for manual review",
			zap.String("payment_id", rec.ID.String()))
		return ledger.StatusPending, nil
	}
	client, err := r.providers.Resolve(rec.Provider)
	if err != nil {
		return ledger.StatusPending, err
	}
	inv, err := resilience.Call(ctx, r.exec, resilience.ClassProvider, "provider.get_invoice",
		func(ctx context.Context) (*payment.Invoice, error) {
			return client.GetInvoice(ctx, rec.InvoiceID)
		})
	if err != nil {
		return ledger.StatusPending, err
	}
	if !inv.Paid {
		return ledger.StatusPending, nil
	}
	_, err = r.ledger.Transition(ctx, rec.ID, ledger.Change{
		To:    ledger.StatusFilled,
		Event: ledger.EventPaymentConfirmed,
	})
	if err != nil {
		return ledger.StatusPending, err
	}
	r.log.Info("[Reconciler] invoice settled without intent, payment confirmed",
		zap.String("payment_id", rec.ID.String()),
		zap.String("invoice_id", rec.InvoiceID))
	return ledger.StatusFilled, nil
}
