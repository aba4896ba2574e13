package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/billing"
	"github.com/Tanmoy095/PaySynapse/internal/config"
	"github.com/Tanmoy095/PaySynapse/internal/idempotency"
	"github.com/Tanmoy095/PaySynapse/internal/ledger"
	"github.com/Tanmoy095/PaySynapse/internal/logging"
	"github.com/Tanmoy095/PaySynapse/internal/notification"
	"github.com/Tanmoy095/PaySynapse/internal/outbox"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/provider"
	providerstripe "github.com/Tanmoy095/PaySynapse/internal/provider/stripe"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
	"github.com/Tanmoy095/PaySynapse/internal/store/postgres"
	"github.com/Tanmoy095/PaySynapse/internal/worker"
	sharedconfig "github.com/Tanmoy095/PaySynapse/shared/config"
	"github.com/Tanmoy095/PaySynapse/shared/contracts"
	"github.com/Tanmoy095/PaySynapse/shared/kafka"
	"github.com/Tanmoy095/PaySynapse/shared/rabbitmq"
)

// app is the wired service. Each command builds one and closes it on exit.
type app struct {
	cfg *config.PaymentsConfig
	log *zap.Logger

	db          *sql.DB
	ledgerStore *postgres.LedgerStore
	exec        *resilience.Executor
	providers   *provider.Registry
	payments    *payment.Service
	retry       *worker.RetryScheduler
	reconciler  *worker.Reconciler

	closers []func() error
}

// loadConfig reads dotenv files named by --env-file, then the environment.
func loadConfig(cmd *cobra.Command) (*config.PaymentsConfig, *zap.Logger, error) {
	files, err := cmd.Flags().GetStringSlice("env-file")
	if err != nil {
		return nil, nil, err
	}
	if err := sharedconfig.LoadDotEnv(files...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, exec: resilience.NewExecutor(log, nil)}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	db, err := postgres.Open(ctx, a.cfg.CommonConfig.GetDBURL())
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	tx := postgres.NewTxManager(db)
	a.ledgerStore = postgres.NewLedgerStore(tx)
	accounts := postgres.NewAccountStore(tx)

	l := ledger.New(a.ledgerStore, a.exec, a.cfg.RetryBackoff(), a.log)

	fees, err := billing.NewFeeCalculator(a.cfg.PlatformFeeRate)
	if err != nil {
		return err
	}

	store, err := a.idempotencyStore(ctx)
	if err != nil {
		return err
	}
	guard := idempotency.NewGuard(store, a.exec, a.log)

	var gatewayOpts []providerstripe.Option
	gatewayOpts = append(gatewayOpts, providerstripe.WithLogger(a.log))
	if a.cfg.StripeAPIBase != "" {
		gatewayOpts = append(gatewayOpts, providerstripe.WithBackendURL(a.cfg.StripeAPIBase))
	}
	a.providers, err = provider.NewRegistry(providerstripe.NewGateway(a.cfg.StripeSecretKey, gatewayOpts...))
	if err != nil {
		return err
	}

	a.payments = payment.NewService(payment.Deps{
		Ledger:        l,
		Fees:          fees,
		Guard:         guard,
		Providers:     a.providers,
		Exec:          a.exec,
		Notifier:      a.notifier(),
		Users:         accounts,
		Subscriptions: accounts,
		Log:           a.log,
	}, a.cfg.Settings())

	recCfg := a.cfg.ReconcilerConfig()
	recCfg.Provider = providerstripe.Name
	a.retry = worker.NewRetryScheduler(l, a.payments, a.log, a.cfg.BatchSize, a.cfg.WorkerCount)
	a.reconciler = worker.NewReconciler(l, a.payments, a.providers, a.exec, a.log, recCfg)
	return nil
}

func (a *app) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	switch a.cfg.IdempotencyBackend {
	case config.IdempotencyRedis:
		common := a.cfg.CommonConfig
		if common.REDIS_ADDR == "" {
			return nil, errors.New("IDEMPOTENCY_BACKEND=redis needs REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     common.REDIS_ADDR,
			Password: common.REDIS_PASSWORD,
			DB:       common.REDIS_DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return idempotency.NewRedisStore(client, a.cfg.IdempotencyPrefix), nil
	case config.IdempotencyBolt:
		s, err := idempotency.NewBoltStore(a.cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
	a.log.Warn("[App] in-memory idempotency keys: safe for a single instance only")
	return idempotency.NewMemoryStore(), nil
}

// notifier connects to RabbitMQ when configured. Without it notifications
// are dropped; payment processing does not depend on them.
func (a *app) notifier() payment.Notifier {
	common := a.cfg.CommonConfig
	if common.RABBITMQ_HOST == "" {
		a.log.Warn("[App] RABBITMQ_HOST not set, notifications disabled")
		return nil
	}
	client, err := rabbitmq.NewClient(common.GetRabbitMQURL())
	if err != nil {
		a.log.Warn("[App] rabbitmq unavailable, notifications disabled", zap.Error(err))
		return nil
	}
	if err := client.CreateQueue(contracts.EmailQueue); err != nil {
		_ = client.Close()
		a.log.Warn("[App] could not declare email queue, notifications disabled", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, client.Close)
	return notification.NewQueueNotifier(client, contracts.EmailQueue, a.log)
}

// relay builds the outbox relay over a Kafka producer for the events topic.
func (a *app) relay() (*outbox.Relay, error) {
	brokers := a.cfg.CommonConfig.KafkaBrokers()
	if len(brokers) == 0 {
		return nil, errors.New("KAFKA_BROKER is required to publish payment events")
	}
	producer := kafka.NewKafkaProducer(brokers, a.cfg.EventsTopic, a.log)
	a.closers = append(a.closers, producer.Close)
	relay := outbox.NewRelay(a.ledgerStore, producer, a.exec, a.log, a.cfg.OutboxBatchSize, a.cfg.OutboxInterval)
	return relay.WithMaxAttempts(a.cfg.OutboxMaxAttempts), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("[App] close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
