package payment_test

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
)

var fixedNow = time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	fees     map[string]decimal.Decimal
	intents  map[string]*payment.PaymentIntent
	invoices map[string]*payment.Invoice

	retryErr  error
	cancelErr error
	delay     time.Duration

	feeCalls    atomic.Int32
	retryCalls  atomic.Int32
	cancelCalls atomic.Int32
	defaultPMs  map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fees:       make(map[string]decimal.Decimal),
		intents:    make(map[string]*payment.PaymentIntent),
		invoices:   make(map[string]*payment.Invoice),
		defaultPMs: make(map[string]string),
	}
}

func (f *fakeProvider) Name() string { return "stripe" }

func (f *fakeProvider) Resolve(name string) (payment.ProviderClient, error) {
	if name != "stripe" {
		return nil, derrors.NotFound("provider", name)
	}
	return f, nil
}

func (f *fakeProvider) GetInvoice(ctx context.Context, invoiceID string) (*payment.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, derrors.NotFound("invoice", invoiceID)
	}
	return inv, nil
}

func (f *fakeProvider) GetPaymentIntent(ctx context.Context, id string) (*payment.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[id]
	if !ok {
		return nil, derrors.NotFound("payment intent", id)
	}
	return pi, nil
}

func (f *fakeProvider) GetFee(ctx context.Context, id string) (decimal.Decimal, error) {
	f.feeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees[id], nil
}

func (f *fakeProvider) RetryPayment(ctx context.Context, providerPaymentID, providerSubscriptionID string) (*payment.ProviderResult, error) {
	f.retryCalls.Add(1)
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return &payment.ProviderResult{ProviderID: providerPaymentID, Status: "processing"}, nil
}

func (f *fakeProvider) CancelPayment(ctx context.Context, providerPaymentID, reason string) (*payment.ProviderResult, error) {
	f.cancelCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &payment.ProviderResult{ProviderID: providerPaymentID, Status: "canceled"}, nil
}

func (f *fakeProvider) ListSubscriptionInvoices(ctx context.Context, providerSubscriptionID string) ([]payment.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []payment.Invoice
	for _, inv := range f.invoices {
		if inv.ProviderSubscriptionID == providerSubscriptionID && inv.Paid {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeProvider) SearchSubscriptionsByMetadata(ctx context.Context, key, value string) ([]payment.Subscription, error) {
	return nil, nil
}

func (f *fakeProvider) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultPMs[customerID] = paymentMethodID
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []payment.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, userID uuid.UUID, msg payment.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Template)
	}
	return out
}

type harness struct {
	svc      *payment.Service
	repo     *memory.LedgerStore
	accounts *memory.AccountStore
	provider *fakeProvider
	notifier *recordingNotifier
	keys     *idempotency.MemoryStore
	ledger   *ledger.Ledger
}

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
		Timeout:         time.Second,
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	exec := testExecutor()
	repo := memory.NewLedgerStore()
	l := ledger.New(repo, exec, ledger.DefaultRetryBackoff, zap.NewNop())
	l.SetClock(func() time.Time { return fixedNow })

	fees, err := billing.NewFeeCalculator(billing.DefaultPlatformFeeRate)
	require.NoError(t, err)

	keys := idempotency.NewMemoryStore()
	accounts := memory.NewAccountStore()
	provider := newFakeProvider()
	notifier := &recordingNotifier{}

	svc := payment.NewService(payment.Deps{
		Ledger:        l,
		Fees:          fees,
		Guard:         idempotency.NewGuard(keys, exec, zap.NewNop(), idempotency.WithPollInterval(time.Millisecond)),
		Providers:     provider,
		Exec:          exec,
		Notifier:      notifier,
		Users:         accounts,
		Subscriptions: accounts,
		Log:           zap.NewNop(),
	}, payment.DefaultSettings())
	svc.SetClock(func() time.Time { return fixedNow })

	return &harness{svc: svc, repo: repo, accounts: accounts, provider: provider, notifier: notifier, keys: keys, ledger: l}
}

func newMeta() payment.EventMetadata {
	return payment.EventMetadata{UserID: uuid.New(), SubscriptionID: uuid.New(), CorrelationID: "corr-1"}
}

func invoicePaid(invoiceID string, amount int64) payment.ProviderEvent {
	return payment.ProviderEvent{
		ID:                     "evt_" + invoiceID,
		Type:                   payment.EventInvoicePaid,
		Provider:               "stripe",
		ObjectID:               invoiceID,
		InvoiceID:              invoiceID,
		PaymentIntentID:        "pi_" + invoiceID,
		ProviderSubscriptionID: "sub_1",
		CustomerID:             "cus_1",
		AmountMinor:            amount,
		Currency:               "usd",
	}
}

// seed inserts a record directly in the given status.
func (h *harness) seed(t *testing.T, status ledger.Status, mutate func(*ledger.PaymentRecord)) *ledger.PaymentRecord {
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
		Total:                  decimal.RequireFromString("100.00"),
		ProviderFee:            decimal.RequireFromString("3.00"),
		PlatformFee:            decimal.RequireFromString("1.00"),
		Net:                    decimal.RequireFromString("96.00"),
		Status:                 status,
		CreatedAt:              fixedNow.Add(-2 * time.Hour),
		UpdatedAt:              fixedNow.Add(-2 * time.Hour),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, h.repo.Insert(context.Background(), rec, ledger.OutboxEvent{ID: uuid.New(), Name: "seed", PaymentID: rec.ID}))
	return rec
}

func (h *harness) eventNames() []string {
	var names []string
	for _, e := range h.repo.Events() {
		if e.Name != "seed" {
			names = append(names, e.Name)
		}
	}
	return names
}

var errDeclined = derrors.Provider("retry", false, errors.New("card_declined"))
