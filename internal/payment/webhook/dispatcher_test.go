package webhook_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/payment/webhook"
)

type call struct {
	handler string
	meta    payment.EventMetadata
}

type recordingHandlers struct {
	calls           []call
	invoiceMetadata map[string]map[string]string
}

func (r *recordingHandlers) record(name string, meta payment.EventMetadata) (payment.Outcome, error) {
	r.calls = append(r.calls, call{name, meta})
	return payment.Outcome{Handled: true, Result: name}, nil
}

func (r *recordingHandlers) HandleCheckoutCompleted(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("checkout", meta)
}
func (r *recordingHandlers) HandleInvoicePaid(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("invoice_paid", meta)
}
func (r *recordingHandlers) HandleSetupIntentSucceeded(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("setup_intent", meta)
}
func (r *recordingHandlers) HandlePaymentFailed(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("payment_failed", meta)
}
func (r *recordingHandlers) HandlePaymentSucceeded(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("payment_succeeded", meta)
}
func (r *recordingHandlers) HandleSubscriptionDeleted(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("subscription_deleted", meta)
}
func (r *recordingHandlers) HandleSubscriptionPaused(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("subscription_paused", meta)
}
func (r *recordingHandlers) HandleSubscriptionResumed(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error) {
	return r.record("subscription_resumed", meta)
}
func (r *recordingHandlers) ResolveInvoiceMetadata(ctx context.Context, provider, invoiceID string) (map[string]string, error) {
	md, ok := r.invoiceMetadata[invoiceID]
	if !ok {
		return nil, derrors.NotFound("invoice", invoiceID)
	}
	return md, nil
}

func validMetadata() (map[string]string, uuid.UUID, uuid.UUID) {
	user, sub := uuid.New(), uuid.New()
	return map[string]string{
		payment.MetaUserID:         user.String(),
		payment.MetaSubscriptionID: sub.String(),
	}, user, sub
}

func TestDispatch_RoutesEachTypeToOneHandler(t *testing.T) {
	md, _, _ := validMetadata()
	tests := map[string]string{
		payment.EventCheckoutCompleted:    "checkout",
		payment.EventInvoicePaid:          "invoice_paid",
		payment.EventSetupIntentSucceeded: "setup_intent",
		payment.EventPaymentFailed:        "payment_failed",
		payment.EventPaymentSucceeded:     "payment_succeeded",
		payment.EventSubscriptionDeleted:  "subscription_deleted",
		payment.EventSubscriptionPaused:   "subscription_paused",
		payment.EventSubscriptionResumed:  "subscription_resumed",
	}
	for typ, want := range tests {
		t.Run(typ, func(t *testing.T) {
			h := &recordingHandlers{}
			d := webhook.NewDispatcher(h, zap.NewNop())

			out, err := d.Dispatch(context.Background(), payment.ProviderEvent{ID: "evt_1", Type: typ, Metadata: md})
			require.NoError(t, err)
			require.Len(t, h.calls, 1)
			assert.Equal(t, want, h.calls[0].handler)
			assert.Equal(t, want, out.Result)
		})
	}
}

func TestDispatch_UnknownTypeIsNoop(t *testing.T) {
	h := &recordingHandlers{}
	d := webhook.NewDispatcher(h, zap.NewNop())

	out, err := d.Dispatch(context.Background(), payment.ProviderEvent{ID: "evt_x", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.False(t, out.Handled)
	assert.Empty(t, h.calls)
}

func TestDispatch_MalformedMetadataIsValidationError(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]string
		key  string
	}{
		{"missing user", map[string]string{payment.MetaSubscriptionID: uuid.NewString()}, payment.MetaUserID},
		{"bad user", map[string]string{payment.MetaUserID: "42", payment.MetaSubscriptionID: uuid.NewString()}, payment.MetaUserID},
		{"bad subscription", map[string]string{payment.MetaUserID: uuid.NewString(), payment.MetaSubscriptionID: "sub"}, payment.MetaSubscriptionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandlers{}
			d := webhook.NewDispatcher(h, zap.NewNop())

			_, err := d.Dispatch(context.Background(), payment.ProviderEvent{Type: payment.EventInvoicePaid, InvoiceID: "in_1", Metadata: tt.md})
			require.Error(t, err)
			assert.ErrorIs(t, err, derrors.ErrValidation)
			var verr *derrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.key, verr.Field)
			assert.Empty(t, h.calls)
		})
	}
}

func TestDispatch_FallsBackToInvoiceMetadata(t *testing.T) {
	md, user, sub := validMetadata()
	h := &recordingHandlers{invoiceMetadata: map[string]map[string]string{"in_1": md}}
	d := webhook.NewDispatcher(h, zap.NewNop())

	_, err := d.Dispatch(context.Background(), payment.ProviderEvent{Type: payment.EventInvoicePaid, Provider: "stripe", InvoiceID: "in_1"})
	require.NoError(t, err)
	require.Len(t, h.calls, 1)
	assert.Equal(t, user, h.calls[0].meta.UserID)
	assert.Equal(t, sub, h.calls[0].meta.SubscriptionID)
}

func TestDispatch_OptionalMetadataMayBeAbsent(t *testing.T) {
	h := &recordingHandlers{}
	d := webhook.NewDispatcher(h, zap.NewNop())

	_, err := d.Dispatch(context.Background(), payment.ProviderEvent{Type: payment.EventSubscriptionPaused, ObjectID: "sub_1"})
	require.NoError(t, err)
	require.Len(t, h.calls, 1)
	assert.Equal(t, uuid.Nil, h.calls[0].meta.UserID)
}

func TestParseMetadata_NormalisesIdentifiers(t *testing.T) {
	user := uuid.New()
	meta, err := payment.ParseMetadata(map[string]string{
		payment.MetaUserID:         "  " + user.String() + " ",
		payment.MetaSubscriptionID: uuid.NewString(),
		payment.MetaCorrelationID:  "req-7",
	})
	require.NoError(t, err)
	assert.Equal(t, user, meta.UserID)
	assert.Equal(t, "req-7", meta.CorrelationID)
}
