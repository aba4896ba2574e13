// internal/payment/webhook/stripe/processor.stripeWebhook.go
package stripe

import (
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

const ProviderName = "stripe"

const SignatureHeader = "Stripe-Signature"

type Processor struct {
	secret string
}

func New(secret string) *Processor {
	return &Processor{secret: secret}
}

func (p *Processor) Provider() string {
	return ProviderName
}

// VerifyAndParse checks the Stripe signature and maps the event object onto a
// payment.ProviderEvent. Event types the service does not handle are returned
// with only ID and Type set.
func (p *Processor) VerifyAndParse(payload []byte, headers map[string]string) (*payment.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header(headers, SignatureHeader), p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, derrors.Validation("signature", "stripe signature invalid: %v", err)
	}

	out := &payment.ProviderEvent{
		ID:       event.ID,
		Type:     string(event.Type),
		Provider: ProviderName,
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case payment.EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, decodeErr(out.Type, err)
		}
		out.ObjectID = s.ID
		out.Metadata = s.Metadata
		if s.Subscription != nil {
			out.ProviderSubscriptionID = s.Subscription.ID
		}
		if s.Customer != nil {
			out.CustomerID = s.Customer.ID
		}
		if s.Invoice != nil {
			out.InvoiceID = s.Invoice.ID
		}

	case payment.EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, decodeErr(out.Type, err)
		}
		out.ObjectID = inv.ID
		out.InvoiceID = inv.ID
		out.AmountMinor = inv.AmountPaid
		out.Currency = string(inv.Currency)
		out.Metadata = invoiceMetadata(&inv)
		if inv.PaymentIntent != nil {
			out.PaymentIntentID = inv.PaymentIntent.ID
		}
		if inv.Subscription != nil {
			out.ProviderSubscriptionID = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerID = inv.Customer.ID
		}

	case payment.EventSetupIntentSucceeded:
		var si stripe.SetupIntent
		if err := json.Unmarshal(event.Data.Raw, &si); err != nil {
			return nil, decodeErr(out.Type, err)
		}
		out.ObjectID = si.ID
		out.Metadata = si.Metadata
		if si.Customer != nil {
			out.CustomerID = si.Customer.ID
		}
		if si.PaymentMethod != nil {
			out.PaymentMethodID = si.PaymentMethod.ID
		}

	case payment.EventPaymentFailed, payment.EventPaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, decodeErr(out.Type, err)
		}
		out.ObjectID = pi.ID
		out.PaymentIntentID = pi.ID
		out.AmountMinor = pi.Amount
		out.Currency = string(pi.Currency)
		out.Metadata = pi.Metadata
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

	case payment.EventSubscriptionDeleted, payment.EventSubscriptionPaused, payment.EventSubscriptionResumed:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, decodeErr(out.Type, err)
		}
		out.ObjectID = sub.ID
		out.ProviderSubscriptionID = sub.ID
		out.Metadata = sub.Metadata
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
	}
	return out, nil
}

// invoiceMetadata prefers the invoice's own metadata, then the metadata
// copied from its subscription.
func invoiceMetadata(inv *stripe.Invoice) map[string]string {
	if payment.HasCorrelation(inv.Metadata) {
		return inv.Metadata
	}
	if inv.SubscriptionDetails != nil && payment.HasCorrelation(inv.SubscriptionDetails.Metadata) {
		return inv.SubscriptionDetails.Metadata
	}
	return inv.Metadata
}

func decodeErr(eventType string, err error) error {
	return derrors.Validation("payload", "decode %s object: %v", eventType, err)
}

// header looks a header up case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
