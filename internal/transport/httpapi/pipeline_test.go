package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	paymentwebhook "github.com/Tanmoy095/PaySynapse/internal/payment/webhook"
	stripeproc "github.com/Tanmoy095/PaySynapse/internal/payment/webhook/stripe"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
	"github.com/Tanmoy095/PaySynapse/internal/store/memory"
)

// newPipeline serves the real dispatcher and payment service over memory stores.
func newPipeline(t *testing.T) (*httptest.Server, *memory.LedgerStore) {
	t.Helper()
	exec := resilience.NewExecutor(zap.NewNop(), resilience.Uniform(resilience.Policy{
		Timeout:         time.Second,
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
	repo := memory.NewLedgerStore()
	fees, err := billing.NewFeeCalculator(billing.DefaultPlatformFeeRate)
	require.NoError(t, err)
	svc := payment.NewService(payment.Deps{
		Ledger: ledger.New(repo, exec, ledger.DefaultRetryBackoff, zap.NewNop()),
		Fees:   fees,
		Guard:  idempotency.NewGuard(idempotency.NewMemoryStore(), exec, zap.NewNop()),
		Exec:   exec,
	}, payment.DefaultSettings())

	h := NewHandler(paymentwebhook.NewDispatcher(svc, zap.NewNop()), svc, zap.NewNop(), stripeproc.New(secret))
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, repo
}

func signedPaymentFailed(t *testing.T, metadata map[string]string) (string, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_pf_1",
		"object":      "event",
		"type":        payment.EventPaymentFailed,
		"api_version": "2020-08-27",
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_unknown",
			"object":   "payment_intent",
			"amount":   2000,
			"currency": "usd",
			"metadata": metadata,
			"last_payment_error": map[string]any{
				"code": "card_declined",
			},
		}},
	})
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: secret, Timestamp: time.Now()})
	return string(body), sp.Header
}

func TestWebhook_PaymentFailedForUnknownIntentNeedsMetadata(t *testing.T) {
	srv, repo := newPipeline(t)

	body, sig := signedPaymentFailed(t, map[string]string{})
	resp := postWebhook(t, srv, "stripe", body, sig)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, repo.Count())
	assert.Empty(t, repo.Events())
}
