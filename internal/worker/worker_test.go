package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
	"github.com/Tanmoy095/PaySynapse/internal/store/memory"
	"github.com/Tanmoy095/PaySynapse/internal/worker"
)

var fixedNow = time.Date(2026, 10, 18, 9, 15, 0, 0, time.UTC)

// stubProvider serves invoices, intents and subscriptions from maps.
type stubProvider struct {
	mu            sync.Mutex
	invoices      []payment.Invoice
	intents       map[string]*payment.PaymentIntent
	subscriptions []payment.Subscription
	feeErr        map[string]error
	retryErr      error
	retryCalls    atomic.Int32
}

func (p *stubProvider) Name() string { return "stripe" }
func (p *stubProvider) Resolve(string) (payment.ProviderClient, error) {
	return p, nil
}
func (p *stubProvider) GetInvoice(ctx context.Context, id string) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inv := range p.invoices {
		if inv.ID == id {
			return &inv, nil
		}
	}
	return nil, derrors.NotFound("invoice", id)
}
func (p *stubProvider) GetPaymentIntent(ctx context.Context, id string) (*payment.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pi, ok := p.intents[id]; ok {
		return pi, nil
	}
	return nil, derrors.NotFound("payment intent", id)
}
func (p *stubProvider) GetFee(ctx context.Context, id string) (decimal.Decimal, error) {
	if err := p.feeErr[id]; err != nil {
		return decimal.Zero, err
	}
	return decimal.RequireFromString("0.30"), nil
}
func (p *stubProvider) RetryPayment(ctx context.Context, providerPaymentID, sub string) (*payment.ProviderResult, error) {
	p.retryCalls.Add(1)
	if p.retryErr != nil {
		return nil, p.retryErr
	}
	return &payment.ProviderResult{ProviderID: providerPaymentID, Status: "processing"}, nil
}
func (p *stubProvider) CancelPayment(ctx context.Context, id, reason string) (*payment.ProviderResult, error) {
	return &payment.ProviderResult{ProviderID: id, Status: "canceled"}, nil
}
func (p *stubProvider) ListSubscriptionInvoices(ctx context.Context, sub string) ([]payment.Invoice, error) {
	var out []payment.Invoice
	for _, inv := range p.invoices {
		if inv.ProviderSubscriptionID == sub {
			out = append(out, inv)
		}
	}
	return out, nil
}
func (p *stubProvider) SearchSubscriptionsByMetadata(ctx context.Context, key, value string) ([]payment.Subscription, error) {
	var out []payment.Subscription
	for _, s := range p.subscriptions {
		if s.Metadata[key] == value {
			out = append(out, s)
		}
	}
	return out, nil
}
func (p *stubProvider) SetDefaultPaymentMethod(ctx context.Context, customerID, pm string) error {
	return nil
}

type env struct {
	repo       *memory.LedgerStore
	ledger     *ledger.Ledger
	svc        *payment.Service
	provider   *stubProvider
	retry      *worker.RetryScheduler
	reconciler *worker.Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	exec := resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
		Timeout:         time.Second,
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
	repo := memory.NewLedgerStore()
	l := ledger.New(repo, exec, ledger.DefaultRetryBackoff, zap.NewNop())
	l.SetClock(func() time.Time { return fixedNow })
	fees, err := billing.NewFeeCalculator(billing.DefaultPlatformFeeRate)
	require.NoError(t, err)
	provider := &stubProvider{intents: map[string]*payment.PaymentIntent{}, feeErr: map[string]error{}}
	accounts := memory.NewAccountStore()

	svc := payment.NewService(payment.Deps{
		Ledger:        l,
		Fees:          fees,
		Guard:         idempotency.NewGuard(idempotency.NewMemoryStore(), exec, zap.NewNop()),
		Providers:     provider,
		Exec:          exec,
		Users:         accounts,
		Subscriptions: accounts,
	}, payment.DefaultSettings())
	svc.SetClock(func() time.Time { return fixedNow })

	return &env{
		repo:       repo,
		ledger:     l,
		svc:        svc,
		provider:   provider,
		retry:      worker.NewRetryScheduler(l, svc, zap.NewNop(), 10, 3),
		reconciler: worker.NewReconciler(l, svc, provider, exec, zap.NewNop(), worker.ReconcilerConfig{WorkerCount: 3}),
	}
}

func metadata() map[string]string {
	return map[string]string{
		payment.MetaUserID:         uuid.NewString(),
		payment.MetaSubscriptionID: uuid.NewString(),
	}
}

func paidInvoice(id, sub string, md map[string]string) payment.Invoice {
	return payment.Invoice{
		ID:                     id,
		ProviderSubscriptionID: sub,
		PaymentIntentID:        "pi_" + id,
		AmountPaidMinor:        1500,
		Currency:               "usd",
		Paid:                   true,
		Metadata:               md,
	}
}

func (e *env) seed(t *testing.T, status ledger.Status, mutate func(*ledger.PaymentRecord)) *ledger.PaymentRecord {
	t.Helper()
	rec := &ledger.PaymentRecord{
		ID:                     uuid.New(),
		Provider:               "stripe",
		ProviderPaymentID:      "pi_" + uuid.NewString()[:8],
		InvoiceID:              "in_" + uuid.NewString()[:8],
		UserID:                 uuid.New(),
		SubscriptionID:         uuid.New(),
		ProviderSubscriptionID: "sub_1",
		Currency:               "usd",
		Total:                  decimal.RequireFromString("15.00"),
		ProviderFee:            decimal.RequireFromString("0.30"),
		PlatformFee:            decimal.RequireFromString("0.15"),
		Net:                    decimal.RequireFromString("14.55"),
		Status:                 status,
		CreatedAt:              fixedNow.Add(-2 * time.Hour),
		UpdatedAt:              fixedNow.Add(-2 * time.Hour),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, e.repo.Insert(context.Background(), rec, ledger.OutboxEvent{ID: uuid.New(), Name: "seed", PaymentID: rec.ID}))
	return rec
}

func failedDue(attempts int) func(*ledger.PaymentRecord) {
	return func(r *ledger.PaymentRecord) {
		next := fixedNow.Add(-time.Minute)
		r.AttemptCount = attempts
		r.NextRetryAt = &next
		r.FailureReason = "card_declined"
	}
}

var errProviderDown = derrors.Provider("stub", false, errors.New("provider unavailable"))
