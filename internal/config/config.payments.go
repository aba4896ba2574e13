package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/worker"
	"github.com/Tanmoy095/PaySynapse/shared/config"
)

// Idempotency backends.
const (
	IdempotencyRedis  = "redis"
	IdempotencyBolt   = "bolt"
	IdempotencyMemory = "memory"
)

type PaymentsConfig struct {
	CommonConfig *config.CommonConfig

	AppEnv   string `validate:"oneof=dev prod test"`
	LogLevel string `validate:"oneof=debug info warn error"`
	HTTPAddr string `validate:"required"`

	StripeSecretKey     string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`
	StripeAPIBase       string // test override of api.stripe.com

	PlatformFeeRate  decimal.Decimal
	MaxRetryAttempts int           `validate:"min=1,max=20"`
	RetryBackoffBase time.Duration `validate:"gt=0"`
	RetryBackoffMax  time.Duration `validate:"gtefield=RetryBackoffBase"`

	InvoicePaidTTL time.Duration `validate:"gt=0"`
	CancelTTL      time.Duration `validate:"gt=0"`
	RetryTTL       time.Duration `validate:"gt=0"`
	LifecycleTTL   time.Duration `validate:"gt=0"`

	IdempotencyBackend string `validate:"oneof=redis bolt memory"`
	IdempotencyPrefix  string
	BoltPath           string `validate:"required_if=IdempotencyBackend bolt"`

	RetrySweepSpec string
	StaleSyncSpec  string
	JobTimeout     time.Duration `validate:"gt=0"`
	StaleAfter     time.Duration `validate:"gt=0"`
	BatchSize      int           `validate:"min=1"`
	WorkerCount    int           `validate:"min=1"`

	OutboxInterval    time.Duration `validate:"gt=0"`
	OutboxBatchSize   int           `validate:"min=1"`
	OutboxMaxAttempts int           `validate:"min=1"`

	EventsTopic   string `validate:"required"`
	CommandsTopic string
	CommandsGroup string
}

var validate = validator.New()

// LoadConfig reads the payments service configuration from the environment.
// Call config.LoadDotEnv first to pick up a .env file.
func LoadConfig() (*PaymentsConfig, error) {
	common := config.LoadCommonConfig()

	rate, err := decimal.NewFromString(config.Getenv("PLATFORM_FEE_RATE", billing.DefaultPlatformFeeRate.String()))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	defaults := payment.DefaultSettings()

	cfg := &PaymentsConfig{
		CommonConfig: common,

		AppEnv:   config.Getenv("APP_ENV", "prod"),
		LogLevel: config.Getenv("LOG_LEVEL", "info"),
		HTTPAddr: config.Getenv("HTTP_ADDR", ":8080"),

		StripeSecretKey:     config.Getenv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: config.Getenv("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIBase:       config.Getenv("STRIPE_API_BASE", ""),

		PlatformFeeRate:  rate,
		MaxRetryAttempts: config.GetInt("MAX_RETRY_ATTEMPTS", defaults.MaxRetryAttempts),
		RetryBackoffBase: config.GetDuration("RETRY_BACKOFF_BASE", ledger.DefaultRetryBackoff.Base),
		RetryBackoffMax:  config.GetDuration("RETRY_BACKOFF_MAX", ledger.DefaultRetryBackoff.Max),

		InvoicePaidTTL: config.GetDuration("IDEMPOTENCY_INVOICE_TTL", defaults.InvoicePaidTTL),
		CancelTTL:      config.GetDuration("IDEMPOTENCY_CANCEL_TTL", defaults.CancelTTL),
		RetryTTL:       config.GetDuration("IDEMPOTENCY_RETRY_TTL", defaults.RetryTTL),
		LifecycleTTL:   config.GetDuration("IDEMPOTENCY_LIFECYCLE_TTL", defaults.LifecycleTTL),

		IdempotencyBackend: config.Getenv("IDEMPOTENCY_BACKEND", IdempotencyRedis),
		IdempotencyPrefix:  config.Getenv("IDEMPOTENCY_PREFIX", "paysynapse:idem:"),
		BoltPath:           config.Getenv("BOLT_PATH", ""),

		RetrySweepSpec: config.Getenv("RETRY_SWEEP_SCHEDULE", "@every 10m"),
		StaleSyncSpec:  config.Getenv("STALE_SYNC_SCHEDULE", "@every 5m"),
		JobTimeout:     config.GetDuration("JOB_TIMEOUT", 5*time.Minute),
		StaleAfter:     config.GetDuration("STALE_PENDING_AFTER", 5*time.Minute),
		BatchSize:      config.GetInt("BATCH_SIZE", 100),
		WorkerCount:    config.GetInt("WORKER_COUNT", 5),

		OutboxInterval:    config.GetDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   config.GetInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts: config.GetInt("OUTBOX_MAX_ATTEMPTS", 10),

		EventsTopic:   config.Getenv("PAYMENT_EVENTS_TOPIC", config.Getenv("KAFKA_TOPIC", "payments.events")),
		CommandsTopic: config.Getenv("PAYMENT_COMMANDS_TOPIC", ""),
		CommandsGroup: config.Getenv("PAYMENT_COMMANDS_GROUP", "payments-service"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting by its field name.
func (c *PaymentsConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("config: %s failed %q check", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: PlatformFeeRate must be in [0, 1), got %s", c.PlatformFeeRate)
	}
	return nil
}

// Settings returns the payment service tunables.
func (c *PaymentsConfig) Settings() payment.Settings {
	return payment.Settings{
		MaxRetryAttempts: c.MaxRetryAttempts,
		InvoicePaidTTL:   c.InvoicePaidTTL,
		CancelTTL:        c.CancelTTL,
		RetryTTL:         c.RetryTTL,
		LifecycleTTL:     c.LifecycleTTL,
	}
}

func (c *PaymentsConfig) RetryBackoff() ledger.RetryBackoff {
	return ledger.RetryBackoff{Base: c.RetryBackoffBase, Max: c.RetryBackoffMax}
}

func (c *PaymentsConfig) Schedule() worker.Schedule {
	return worker.Schedule{
		RetrySweep: c.RetrySweepSpec,
		StaleSync:  c.StaleSyncSpec,
		JobTimeout: c.JobTimeout,
	}
}

func (c *PaymentsConfig) ReconcilerConfig() worker.ReconcilerConfig {
	return worker.ReconcilerConfig{
		WorkerCount: c.WorkerCount,
		StaleAfter:  c.StaleAfter,
		BatchSize:   c.BatchSize,
	}
}
