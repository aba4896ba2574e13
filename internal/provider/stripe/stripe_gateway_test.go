package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

func newTestGateway(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) *Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"no such object"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewGateway("sk_test_123", WithBackendURL(srv.URL))
}

func respond(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestGetFee_ReadsBalanceTransaction(t *testing.T) {
	g := newTestGateway(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /v1/payment_intents/pi_1": respond(http.StatusOK, `{
			"id": "pi_1", "object": "payment_intent", "status": "succeeded",
			"latest_charge": {"id": "ch_1", "object": "charge",
				"balance_transaction": {"id": "txn_1", "object": "balance_transaction", "fee": 320}}
		}`),
	})

	fee, err := g.GetFee(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "3.20", fee.StringFixed(2))
}

func TestGetFee_UnsettledChargeIsZero(t *testing.T) {
	g := newTestGateway(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /v1/payment_intents/pi_2": respond(http.StatusOK, `{"id": "pi_2", "object": "payment_intent", "status": "processing"}`),
	})

	fee, err := g.GetFee(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func TestErrorMapping(t *testing.T) {
	g := newTestGateway(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /v1/payment_intents/pi_declined/cancel": respond(http.StatusPaymentRequired,
			`{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`),
		"POST /v1/payment_intents/pi_down/cancel": respond(http.StatusServiceUnavailable,
			`{"error":{"type":"api_error","message":"try later"}}`),
		"POST /v1/payment_intents/pi_busy/cancel": respond(http.StatusTooManyRequests,
			`{"error":{"type":"invalid_request_error","code":"rate_limit","message":"slow down"}}`),
	})
	ctx := context.Background()

	_, err := g.CancelPayment(ctx, "pi_declined", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, derrors.ErrProvider)
	assert.False(t, resilience.IsRetryable(err))

	_, err = g.CancelPayment(ctx, "pi_down", "")
	assert.ErrorIs(t, err, derrors.ErrProvider)
	assert.True(t, resilience.IsRetryable(err))

	_, err = g.CancelPayment(ctx, "pi_busy", "")
	assert.True(t, resilience.IsRetryable(err))

	_, err = g.GetPaymentIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestListSubscriptionInvoices(t *testing.T) {
	g := newTestGateway(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /v1/invoices": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "sub_1", r.URL.Query().Get("subscription"))
			assert.Equal(t, "paid", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`{"object":"list","url":"/v1/invoices","has_more":false,"data":[
				{"id":"in_1","object":"invoice","amount_paid":1000,"currency":"usd","paid":true,"subscription":"sub_1","payment_intent":"pi_1","metadata":{"userId":"u","subscriptionId":"s"}},
				{"id":"in_2","object":"invoice","amount_paid":2000,"currency":"usd","paid":true,"subscription":"sub_1",
				 "subscription_details":{"metadata":{"userId":"u2","subscriptionId":"s2"}}}
			]}`))
		},
	})

	invoices, err := g.ListSubscriptionInvoices(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "pi_1", invoices[0].PaymentIntentID)
	assert.EqualValues(t, 2000, invoices[1].AmountPaidMinor)
	assert.Equal(t, "u2", invoices[1].Metadata["userId"])
}

func TestCancelPayment_OnlySendsKnownReasons(t *testing.T) {
	var got string
	g := newTestGateway(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /v1/payment_intents/pi_3/cancel": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			got = r.PostForm.Get("cancellation_reason")
			_, _ = w.Write([]byte(`{"id":"pi_3","object":"payment_intent","status":"canceled"}`))
		},
	})

	res, err := g.CancelPayment(context.Background(), "pi_3", "customer changed their mind")
	require.NoError(t, err)
	assert.Equal(t, "canceled", res.Status)
	assert.Empty(t, got)

	_, err = g.CancelPayment(context.Background(), "pi_3", "Duplicate")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", got)
}
