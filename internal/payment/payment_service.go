// internal/payment/payment_service.go
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// Settings are the tunables of the payment use cases.
type Settings struct {
	MaxRetryAttempts int
	InvoicePaidTTL   time.Duration
	CancelTTL        time.Duration
	RetryTTL         time.Duration
	LifecycleTTL     time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxRetryAttempts: 3,
		InvoicePaidTTL:   30 * 24 * time.Hour,
		CancelTTL:        30 * 24 * time.Hour,
		RetryTTL:         time.Hour,
		LifecycleTTL:     7 * 24 * time.Hour,
	}
}

// Deps are the collaborators of Service.
type Deps struct {
	Ledger        *ledger.Ledger
	Fees          *billing.FeeCalculator
	Guard         *idempotency.Guard
	Providers     ProviderResolver
	Exec          *resilience.Executor
	Notifier      Notifier
	Users         UserDirectory
	Subscriptions SubscriptionStore
	Log           *zap.Logger
}

// Service turns provider events, retries and cancellations into ledger
// transitions. Every entry point runs under its own idempotency key.
type Service struct {
	ledger        *ledger.Ledger
	fees          *billing.FeeCalculator
	guard         *idempotency.Guard
	providers     ProviderResolver
	exec          *resilience.Executor
	notifier      Notifier
	users         UserDirectory
	subscriptions SubscriptionStore
	settings      Settings
	log           *zap.Logger
	clock         func() time.Time
}

func NewService(d Deps, settings Settings) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	exec := d.Exec
	if exec == nil {
		exec = resilience.NewExecutor(log, nil)
	}
	if settings.MaxRetryAttempts <= 0 {
		settings.MaxRetryAttempts = DefaultSettings().MaxRetryAttempts
	}
	return &Service{
		ledger:        d.Ledger,
		fees:          d.Fees,
		guard:         d.Guard,
		providers:     d.Providers,
		exec:          exec,
		notifier:      d.Notifier,
		users:         d.Users,
		subscriptions: d.Subscriptions,
		settings:      settings,
		log:           log.Named("payment"),
		clock:         time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Service) now() time.Time { return s.clock().UTC() }

func (s *Service) MaxRetryAttempts() int { return s.settings.MaxRetryAttempts }

func (s *Service) provider(name string) (ProviderClient, error) {
	if s.providers == nil {
		return nil, fmt.Errorf("no provider registry configured")
	}
	return s.providers.Resolve(name)
}

// providerFee returns a FeeLookup that asks the provider under the critical provider policy.
func (s *Service) providerFee(client ProviderClient, paymentIntentID string) billing.FeeLookup {
	return func(ctx context.Context) (decimal.Decimal, error) {
		if paymentIntentID == "" {
			return decimal.Zero, nil
		}
		return resilience.CriticalCall(ctx, s.exec, resilience.ClassProvider, "provider.get_fee",
			func(ctx context.Context) (decimal.Decimal, error) {
				return client.GetFee(ctx, paymentIntentID)
			})
	}
}

// notify enriches and sends a notification. It never returns an error.
func (s *Service) notify(ctx context.Context, userID uuid.UUID, template string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	n := Notification{Template: template, Data: data}
	if s.users != nil {
		user, err := resilience.Call(ctx, s.exec, resilience.ClassDatabase, "users.get", func(ctx context.Context) (*User, error) {
			return s.users.GetUser(ctx, userID)
		})
		if err != nil {
			s.log.Warn("[Notify] user lookup failed, sending without display data",
				zap.String("user_id", userID.String()), zap.Error(err))
		} else {
			n.Email, n.Name = user.Email, user.Name
		}
	}
	s.exec.BestEffort(ctx, "notify."+template, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, userID, n)
	})
}

func recordData(rec *ledger.PaymentRecord) map[string]string {
	return map[string]string{
		"paymentId": rec.ID.String(),
		"invoiceId": rec.InvoiceID,
		"amount":    rec.Total.StringFixed(2),
		"currency":  rec.Currency,
		"status":    string(rec.Status),
	}
}
