package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
	"github.com/Tanmoy095/PaySynapse/internal/store/memory"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*ledger.Ledger, *memory.LedgerStore) {
	t.Helper()
	repo := memory.NewLedgerStore()
	exec := resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
		Timeout:         time.Second,
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
	l := ledger.New(repo, exec, ledger.RetryBackoff{Base: time.Hour, Max: 24 * time.Hour}, zap.NewNop())
	l.SetClock(func() time.Time { return fixedNow })
	return l, repo
}

func validRecord(invoiceID string) *ledger.PaymentRecord {
	return &ledger.PaymentRecord{
		Provider:               "stripe",
		InvoiceID:              invoiceID,
		ProviderPaymentID:      "pi_" + invoiceID,
		UserID:                 uuid.New(),
		SubscriptionID:         uuid.New(),
		ProviderSubscriptionID: "sub_1",
		Currency:               "USD",
		Total:                  decimal.RequireFromString("100.00"),
		ProviderFee:            decimal.RequireFromString("3.00"),
		PlatformFee:            decimal.RequireFromString("1.00"),
		Net:                    decimal.RequireFromString("96.00"),
		Status:                 ledger.StatusPending,
	}
}

// seed inserts a record in an arbitrary status, bypassing the ledger's creation rules.
func seed(t *testing.T, repo *memory.LedgerStore, status ledger.Status) *ledger.PaymentRecord {
	t.Helper()
	rec := validRecord(uuid.NewString())
	rec.ID = uuid.New()
	rec.Status = status
	rec.CreatedAt = fixedNow.Add(-time.Hour)
	rec.UpdatedAt = rec.CreatedAt
	require.NoError(t, repo.Insert(context.Background(), rec, ledger.OutboxEvent{ID: uuid.New(), Name: "seed", PaymentID: rec.ID}))
	return rec
}

func TestCreate_WritesRecordAndEvent(t *testing.T) {
	l, repo := newLedger(t)

	rec, err := l.Create(context.Background(), validRecord("inv_1"), ledger.EventPaymentReceived)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, "usd", rec.Currency)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.Nil(t, rec.NextRetryAt, "retry metadata only exists once FAILED")

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventPaymentReceived, events[0].Name)
	assert.Equal(t, rec.ID, events[0].PaymentID)
	assert.Contains(t, string(events[0].Payload), `"net":"96.00"`)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ledger.PaymentRecord)
	}{
		{"zero net", func(r *ledger.PaymentRecord) {
			r.ProviderFee = decimal.RequireFromString("99.00")
			r.Net = decimal.Zero
		}},
		{"inconsistent net", func(r *ledger.PaymentRecord) { r.Net = decimal.RequireFromString("97.00") }},
		{"missing currency", func(r *ledger.PaymentRecord) { r.Currency = " " }},
		{"nil user", func(r *ledger.PaymentRecord) { r.UserID = uuid.Nil }},
		{"nil subscription", func(r *ledger.PaymentRecord) { r.SubscriptionID = uuid.Nil }},
		{"no external reference", func(r *ledger.PaymentRecord) { r.InvoiceID, r.ProviderPaymentID = "", "" }},
		{"terminal start", func(r *ledger.PaymentRecord) { r.Status = ledger.StatusFilled }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, repo := newLedger(t)
			rec := validRecord("inv_v")
			tt.mutate(rec)

			_, err := l.Create(context.Background(), rec, ledger.EventPaymentReceived)
			require.Error(t, err)
			assert.ErrorIs(t, err, derrors.ErrValidation)
			assert.Equal(t, 0, repo.Count())
			assert.Empty(t, repo.Events())
		})
	}
}

func TestCreate_DuplicateFirstWriterWins(t *testing.T) {
	l, repo := newLedger(t)
	first, err := l.Create(context.Background(), validRecord("inv_dup"), ledger.EventPaymentReceived)
	require.NoError(t, err)

	_, err = l.Create(context.Background(), validRecord("inv_dup"), ledger.EventPaymentReceived)
	require.ErrorIs(t, err, derrors.ErrDuplicate)
	id, ok := derrors.ExistingID(err)
	require.True(t, ok)
	assert.Equal(t, first.ID.String(), id)
	assert.Equal(t, 1, repo.Count())
	assert.Len(t, repo.Events(), 1)
}

func TestCreate_FailedStampsRetryMetadata(t *testing.T) {
	l, _ := newLedger(t)
	rec := validRecord("inv_f")
	rec.Status = ledger.StatusFailed
	rec.AttemptCount = 1
	rec.FailureReason = "card_declined"

	out, err := l.Create(context.Background(), rec, ledger.EventPaymentFailed)
	require.NoError(t, err)
	require.NotNil(t, out.NextRetryAt)
	assert.Equal(t, fixedNow.Add(2*time.Hour), *out.NextRetryAt)
	assert.Equal(t, fixedNow, *out.LastAttemptAt)
	assert.Equal(t, "card_declined", out.FailureReason)
}

var allStatuses = []ledger.Status{
	ledger.StatusPending, ledger.StatusQueued, ledger.StatusFilled, ledger.StatusFailed, ledger.StatusCancelled,
}

func TestTransition_Legality(t *testing.T) {
	allowed := map[ledger.Status][]ledger.Status{
		ledger.StatusPending: {ledger.StatusQueued, ledger.StatusFilled, ledger.StatusFailed, ledger.StatusCancelled},
		ledger.StatusQueued:  {ledger.StatusPending, ledger.StatusFilled, ledger.StatusFailed, ledger.StatusCancelled},
		ledger.StatusFailed:  {ledger.StatusPending, ledger.StatusQueued},
	}
	isAllowed := func(from, to ledger.Status) bool {
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				l, repo := newLedger(t)
				rec := seed(t, repo, from)
				eventsBefore := len(repo.Events())

				out, err := l.Transition(context.Background(), rec.ID, ledger.Change{To: to, Event: "test.transition"})
				stored, gerr := repo.Get(context.Background(), rec.ID)
				require.NoError(t, gerr)

				if isAllowed(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, out.Status)
					assert.Equal(t, to, stored.Status)
					assert.Len(t, repo.Events(), eventsBefore+1)
					return
				}
				var stateErr *derrors.InvalidStateError
				require.True(t, errors.As(err, &stateErr), "expected InvalidStateError, got %v", err)
				assert.Equal(t, string(from), stateErr.From)
				assert.Equal(t, from, stored.Status, "record must be unchanged")
				assert.Equal(t, rec.UpdatedAt, stored.UpdatedAt)
				assert.Len(t, repo.Events(), eventsBefore)
			})
		}
	}
}

func TestTransition_ToFailedComputesBackoff(t *testing.T) {
	l, repo := newLedger(t)
	rec := seed(t, repo, ledger.StatusPending)

	out, err := l.Transition(context.Background(), rec.ID, ledger.Change{
		To:    ledger.StatusFailed,
		Event: ledger.EventPaymentFailed,
		Apply: func(next *ledger.PaymentRecord) {
			next.AttemptCount = 2
			next.FailureReason = "insufficient_funds"
		},
	})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(4*time.Hour), *out.NextRetryAt)
	assert.Equal(t, "insufficient_funds", out.FailureReason)
}

func TestTransition_RequireAborts(t *testing.T) {
	l, repo := newLedger(t)
	rec := seed(t, repo, ledger.StatusFailed)
	guard := errors.New("attempts exhausted")

	_, err := l.Transition(context.Background(), rec.ID, ledger.Change{
		To:      ledger.StatusPending,
		Event:   ledger.EventPaymentRetried,
		Require: func(*ledger.PaymentRecord) error { return guard },
	})
	assert.ErrorIs(t, err, guard)
	stored, _ := repo.Get(context.Background(), rec.ID)
	assert.Equal(t, ledger.StatusFailed, stored.Status)
}

// flakyCommitStore commits an update and then reports a timeout, the way a
// connection that drops before the commit acknowledgement does.
type flakyCommitStore struct {
	*memory.LedgerStore
	failAfterCommit int
	before          func()
}

func (f *flakyCommitStore) UpdateIfStatus(ctx context.Context, rec *ledger.PaymentRecord, expected ledger.Status, evt ledger.OutboxEvent) (bool, error) {
	if f.before != nil {
		f.before()
		f.before = nil
	}
	ok, err := f.LedgerStore.UpdateIfStatus(ctx, rec, expected, evt)
	if err == nil && ok && f.failAfterCommit > 0 {
		f.failAfterCommit--
		return false, derrors.Database("update payment", errors.New("i/o timeout"))
	}
	return ok, err
}

func TestTransition_AmbiguousCommitIsSuccess(t *testing.T) {
	tests := []struct {
		name     string
		attempts uint64
	}{
		{"retried write loses the CAS", 2},
		{"write error surfaces", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := memory.NewLedgerStore()
			repo := &flakyCommitStore{LedgerStore: inner, failAfterCommit: 1}
			exec := resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
				Timeout:         time.Second,
				MaxAttempts:     tt.attempts,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
			}))
			l := ledger.New(repo, exec, ledger.RetryBackoff{Base: time.Hour, Max: 24 * time.Hour}, zap.NewNop())
			l.SetClock(func() time.Time { return fixedNow })
			rec := seed(t, inner, ledger.StatusPending)

			out, err := l.Transition(context.Background(), rec.ID, ledger.Change{To: ledger.StatusFilled, Event: ledger.EventPaymentConfirmed})
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusFilled, out.Status)

			var confirmed int
			for _, e := range inner.Events() {
				if e.Name == ledger.EventPaymentConfirmed {
					confirmed++
				}
			}
			assert.Equal(t, 1, confirmed, "one committed write, one event")
		})
	}
}

func TestTransition_SameStatusFromAnotherWriterIsNotOurs(t *testing.T) {
	inner := memory.NewLedgerStore()
	rec := seed(t, inner, ledger.StatusPending)
	repo := &flakyCommitStore{LedgerStore: inner}
	// another writer cancels between our read and our write
	repo.before = func() {
		other := rec.Clone()
		other.Status = ledger.StatusCancelled
		other.UpdatedAt = fixedNow.Add(-time.Minute)
		ok, err := inner.UpdateIfStatus(context.Background(), other, ledger.StatusPending, ledger.OutboxEvent{ID: uuid.New(), Name: "seed", PaymentID: rec.ID})
		require.NoError(t, err)
		require.True(t, ok)
	}
	exec := resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
		Timeout:         time.Second,
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
	l := ledger.New(repo, exec, ledger.DefaultRetryBackoff, zap.NewNop())
	l.SetClock(func() time.Time { return fixedNow })

	_, err := l.Transition(context.Background(), rec.ID, ledger.Change{To: ledger.StatusCancelled, Event: ledger.EventPaymentCancelled})
	assert.ErrorIs(t, err, derrors.ErrInvalidState)
	for _, e := range inner.Events() {
		assert.NotEqual(t, ledger.EventPaymentCancelled, e.Name)
	}
}

func TestTransition_NotFound(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Transition(context.Background(), uuid.New(), ledger.Change{To: ledger.StatusFilled})
	assert.True(t, ledger.IsNotFound(err))
}

func TestCancel_Eligibility(t *testing.T) {
	for _, from := range allStatuses {
		t.Run(string(from), func(t *testing.T) {
			l, repo := newLedger(t)
			rec := seed(t, repo, from)

			out, err := l.Cancel(context.Background(), rec.ID, "user request")
			if ledger.CancelEligibility(from) {
				require.NoError(t, err)
				assert.Equal(t, ledger.StatusCancelled, out.Status)
				assert.Equal(t, "user request", out.FailureReason)
				return
			}
			assert.ErrorIs(t, err, derrors.ErrInvalidState)
			stored, _ := repo.Get(context.Background(), rec.ID)
			assert.Equal(t, from, stored.Status)
		})
	}
	assert.True(t, ledger.CancelEligibility(ledger.StatusPending))
	assert.True(t, ledger.CancelEligibility(ledger.StatusQueued))
	assert.False(t, ledger.CancelEligibility(ledger.StatusFailed))
}

func TestCancel_RacesFillOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		l, repo := newLedger(t)
		rec := seed(t, repo, ledger.StatusPending)

		var wg sync.WaitGroup
		var cancelErr, fillErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = l.Cancel(context.Background(), rec.ID, "race")
		}()
		go func() {
			defer wg.Done()
			_, fillErr = l.Transition(context.Background(), rec.ID, ledger.Change{To: ledger.StatusFilled, Event: ledger.EventPaymentConfirmed})
		}()
		wg.Wait()

		assert.True(t, (cancelErr == nil) != (fillErr == nil), "exactly one must win: cancel=%v fill=%v", cancelErr, fillErr)
		stored, _ := repo.Get(context.Background(), rec.ID)
		assert.True(t, stored.Status.Terminal())
	}
}

func TestRetryBackoff_Caps(t *testing.T) {
	b := ledger.RetryBackoff{Base: time.Hour, Max: 6 * time.Hour}
	assert.Equal(t, fixedNow.Add(time.Hour), b.NextRetryAt(fixedNow, 0))
	assert.Equal(t, fixedNow.Add(4*time.Hour), b.NextRetryAt(fixedNow, 2))
	assert.Equal(t, fixedNow.Add(6*time.Hour), b.NextRetryAt(fixedNow, 5))
}

func TestListRetryEligible_Predicate(t *testing.T) {
	l, repo := newLedger(t)
	ctx := context.Background()
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)

	mk := func(attempts int, next *time.Time, status ledger.Status) uuid.UUID {
		rec := seed(t, repo, status)
		rec.AttemptCount = attempts
		rec.NextRetryAt = next
		_, err := repo.UpdateIfStatus(ctx, rec, status, ledger.OutboxEvent{ID: uuid.New()})
		require.NoError(t, err)
		return rec.ID
	}
	eligible := mk(2, &past, ledger.StatusFailed)
	mk(3, &past, ledger.StatusFailed)   // exhausted
	mk(0, &future, ledger.StatusFailed) // not yet due
	mk(0, &past, ledger.StatusPending)  // wrong status
	mk(0, nil, ledger.StatusFailed)     // no schedule

	recs, err := l.ListRetryEligible(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, eligible, recs[0].ID)
}
