// internal/provider/stripe/stripe_gateway.go
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

const Name = "stripe"

// Gateway implements payment.ProviderClient on top of a per-instance Stripe
// client; no global stripe.Key state is touched.
type Gateway struct {
	client *client.API
	log    *zap.Logger
}

type Option func(*gatewayConfig)

type gatewayConfig struct {
	backendURL string
	log        *zap.Logger
}

// WithBackendURL points the client at another API host (stripe-mock, tests).
func WithBackendURL(url string) Option {
	return func(c *gatewayConfig) { c.backendURL = url }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *gatewayConfig) { c.log = log }
}

func NewGateway(apiKey string, opts ...Option) *Gateway {
	cfg := gatewayConfig{log: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	var backends *stripe.Backends
	if cfg.backendURL != "" {
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL: stripe.String(cfg.backendURL),
				// retries belong to the resilience executor
				MaxNetworkRetries: stripe.Int64(0),
			}),
		}
	}
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &Gateway{client: sc, log: cfg.log.Named("stripe")}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) GetInvoice(ctx context.Context, invoiceID string) (*payment.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := g.client.Invoices.Get(invoiceID, params)
	if err != nil {
		return nil, mapError("get_invoice", err)
	}
	out := toInvoice(inv)
	return &out, nil
}

func (g *Gateway) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*payment.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, mapError("get_payment_intent", err)
	}
	out := &payment.PaymentIntent{
		ID:          pi.ID,
		Status:      payment.IntentStatus(pi.Status),
		AmountMinor: pi.Amount,
		Currency:    string(pi.Currency),
		Metadata:    pi.Metadata,
	}
	if pi.Invoice != nil {
		out.InvoiceID = pi.Invoice.ID
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LastPaymentError != nil {
		out.FailureCode = string(pi.LastPaymentError.Code)
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}

// GetFee reads the Stripe processing fee from the charge's balance
// transaction. Unsettled charges have no fee yet and report zero.
func (g *Gateway) GetFee(ctx context.Context, paymentIntentID string) (decimal.Decimal, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")
	pi, err := g.client.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return decimal.Zero, mapError("get_fee", err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.BalanceTransaction == nil {
		g.log.Debug("[Stripe] no balance transaction yet", zap.String("payment_intent", paymentIntentID))
		return decimal.Zero, nil
	}
	return billing.FromMinorUnits(pi.LatestCharge.BalanceTransaction.Fee), nil
}

// RetryPayment pays the subscription's open invoice off-session. Without an
// open invoice it re-confirms the payment intent directly.
func (g *Gateway) RetryPayment(ctx context.Context, providerPaymentID, providerSubscriptionID string) (*payment.ProviderResult, error) {
	list := &stripe.InvoiceListParams{
		Subscription: stripe.String(providerSubscriptionID),
		Status:       stripe.String(string(stripe.InvoiceStatusOpen)),
	}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	it := g.client.Invoices.List(list)
	if it.Next() {
		inv := it.Invoice()
		pay := &stripe.InvoicePayParams{OffSession: stripe.Bool(true)}
		pay.Context = ctx
		// same invoice and intent: Stripe collapses duplicate retries
		pay.SetIdempotencyKey(fmt.Sprintf("retry-%s-%s", inv.ID, providerPaymentID))
		paid, err := g.client.Invoices.Pay(inv.ID, pay)
		if err != nil {
			return nil, mapError("pay_invoice", err)
		}
		res := &payment.ProviderResult{ProviderID: providerPaymentID, Status: string(paid.Status)}
		if paid.PaymentIntent != nil {
			res.ProviderID = paid.PaymentIntent.ID
		}
		return res, nil
	}
	if err := it.Err(); err != nil {
		return nil, mapError("list_open_invoices", err)
	}

	if providerPaymentID == "" {
		return nil, mapError("retry_payment", fmt.Errorf("subscription %s has no open invoice and no payment intent", providerSubscriptionID))
	}
	confirm := &stripe.PaymentIntentConfirmParams{OffSession: stripe.Bool(true)}
	confirm.Context = ctx
	pi, err := g.client.PaymentIntents.Confirm(providerPaymentID, confirm)
	if err != nil {
		return nil, mapError("confirm_payment_intent", err)
	}
	return &payment.ProviderResult{ProviderID: pi.ID, Status: string(pi.Status)}, nil
}

var cancellationReasons = map[string]bool{
	"duplicate":             true,
	"fraudulent":            true,
	"requested_by_customer": true,
	"abandoned":             true,
}

func (g *Gateway) CancelPayment(ctx context.Context, providerPaymentID, reason string) (*payment.ProviderResult, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	// Stripe accepts a fixed set; free text stays in the ledger only
	if r := strings.ToLower(reason); cancellationReasons[r] {
		params.CancellationReason = stripe.String(r)
	}
	pi, err := g.client.PaymentIntents.Cancel(providerPaymentID, params)
	if err != nil {
		return nil, mapError("cancel_payment_intent", err)
	}
	return &payment.ProviderResult{ProviderID: pi.ID, Status: string(pi.Status)}, nil
}

func (g *Gateway) ListSubscriptionInvoices(ctx context.Context, providerSubscriptionID string) ([]payment.Invoice, error) {
	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(providerSubscriptionID),
		Status:       stripe.String(string(stripe.InvoiceStatusPaid)),
	}
	params.Context = ctx
	var out []payment.Invoice
	it := g.client.Invoices.List(params)
	for it.Next() {
		out = append(out, toInvoice(it.Invoice()))
	}
	if err := it.Err(); err != nil {
		return nil, mapError("list_invoices", err)
	}
	return out, nil
}

func (g *Gateway) SearchSubscriptionsByMetadata(ctx context.Context, key, value string) ([]payment.Subscription, error) {
	params := &stripe.SubscriptionSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", key, strings.ReplaceAll(value, "'", `\'`))
	var out []payment.Subscription
	it := g.client.Subscriptions.Search(params)
	for it.Next() {
		s := it.Subscription()
		sub := payment.Subscription{ID: s.ID, Status: string(s.Status), Metadata: s.Metadata}
		if s.Customer != nil {
			sub.CustomerID = s.Customer.ID
		}
		out = append(out, sub)
	}
	if err := it.Err(); err != nil {
		return nil, mapError("search_subscriptions", err)
	}
	return out, nil
}

func (g *Gateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx
	if _, err := g.client.Customers.Update(customerID, params); err != nil {
		return mapError("set_default_payment_method", err)
	}
	return nil
}

func toInvoice(inv *stripe.Invoice) payment.Invoice {
	out := payment.Invoice{
		ID:              inv.ID,
		AmountPaidMinor: inv.AmountPaid,
		Currency:        string(inv.Currency),
		Paid:            inv.Paid,
		Metadata:        inv.Metadata,
	}
	if !payment.HasCorrelation(out.Metadata) && inv.SubscriptionDetails != nil {
		out.Metadata = inv.SubscriptionDetails.Metadata
	}
	if inv.Subscription != nil {
		out.ProviderSubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	return out
}
