package webhook

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

// Handlers is the set of use cases a provider event can trigger.
// *payment.Service implements it.
type Handlers interface {
	HandleCheckoutCompleted(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandleInvoicePaid(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandleSetupIntentSucceeded(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandlePaymentFailed(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandlePaymentSucceeded(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandleSubscriptionDeleted(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandleSubscriptionPaused(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandleSubscriptionResumed(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	ResolveInvoiceMetadata(ctx context.Context, provider, invoiceID string) (map[string]string, error)
}

type handlerFunc func(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)

type route struct {
	handle handlerFunc
	// requiresMetadata: the handler writes records owned by a user and subscription.
	requiresMetadata bool
}

// Dispatcher routes a decoded event to exactly one handler.
type Dispatcher struct {
	handlers Handlers
	routes   map[string]route
	log      *zap.Logger
}

func NewDispatcher(h Handlers, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		handlers: h,
		log:      log.Named("webhook"),
		routes: map[string]route{
			payment.EventCheckoutCompleted:    {h.HandleCheckoutCompleted, true},
			payment.EventInvoicePaid:          {h.HandleInvoicePaid, true},
			payment.EventSetupIntentSucceeded: {h.HandleSetupIntentSucceeded, false},
			payment.EventPaymentFailed:        {h.HandlePaymentFailed, false},
			payment.EventPaymentSucceeded:     {h.HandlePaymentSucceeded, false},
			payment.EventSubscriptionDeleted:  {h.HandleSubscriptionDeleted, false},
			payment.EventSubscriptionPaused:   {h.HandleSubscriptionPaused, false},
			payment.EventSubscriptionResumed:  {h.HandleSubscriptionResumed, false},
		},
	}
}

// Dispatch validates the event's correlation metadata and invokes its handler.
// Unknown event types succeed without work so the provider stops redelivering.
// Metadata problems are ValidationErrors and must not be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, evt payment.ProviderEvent) (payment.Outcome, error) {
	r, ok := d.routes[evt.Type]
	if !ok {
		d.log.Debug("[Webhook] ignoring unhandled event type", zap.String("type", evt.Type), zap.String("event_id", evt.ID))
		return payment.Outcome{Handled: false}, nil
	}

	meta, err := d.metadata(ctx, evt, r.requiresMetadata)
	if err != nil {
		d.log.Warn("[Webhook] rejected event metadata",
			zap.String("type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.Error(err))
		return payment.Outcome{}, err
	}

	out, err := r.handle(ctx, evt, meta)
	if err != nil {
		d.log.Error("[Webhook] handler failed",
			zap.String("type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.Error(err))
		return payment.Outcome{}, err
	}
	d.log.Info("[Webhook] event handled",
		zap.String("type", evt.Type),
		zap.String("event_id", evt.ID),
		zap.Bool("replayed", out.Replayed),
		zap.String("result", out.Result))
	return out, nil
}

// metadata parses the event's metadata, falling back to its invoice when the
// event object carries none. Optional metadata is parsed only when present.
func (d *Dispatcher) metadata(ctx context.Context, evt payment.ProviderEvent, required bool) (payment.EventMetadata, error) {
	md := evt.Metadata
	if !payment.HasCorrelation(md) && evt.InvoiceID != "" {
		resolved, err := d.handlers.ResolveInvoiceMetadata(ctx, evt.Provider, evt.InvoiceID)
		if err != nil {
			if required {
				return payment.EventMetadata{}, err
			}
			d.log.Warn("[Webhook] invoice metadata lookup failed", zap.String("invoice_id", evt.InvoiceID), zap.Error(err))
		} else {
			md = resolved
		}
	}
	if !required && !payment.HasCorrelation(md) {
		return payment.EventMetadata{}, nil
	}
	return payment.ParseMetadata(md)
}
