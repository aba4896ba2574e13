package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/payment/webhook"
	stripeproc "github.com/Tanmoy095/PaySynapse/internal/payment/webhook/stripe"
	"github.com/Tanmoy095/PaySynapse/internal/store/postgres"
	"github.com/Tanmoy095/PaySynapse/internal/transport/httpapi"
	"github.com/Tanmoy095/PaySynapse/internal/worker"
	"github.com/Tanmoy095/PaySynapse/shared/kafka"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, outbox relay, scheduled jobs and command consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if migrate {
				if err := postgres.MigrateUp(a.db); err != nil {
					return err
				}
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	relay, err := a.relay()
	if err != nil {
		return err
	}
	dispatcher := webhook.NewDispatcher(a.payments, a.log)
	handler := httpapi.NewHandler(dispatcher, a.payments, a.log, stripeproc.New(a.cfg.StripeWebhookSecret))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	jobs, err := worker.NewCron(ctx, a.cfg.Schedule(), a.retry, a.reconciler, a.log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Start(ctx)
	}()

	if topic := a.cfg.CommandsTopic; topic != "" {
		consumer := kafka.NewConsumer(a.cfg.CommonConfig.KafkaBrokers(), topic, a.cfg.CommandsGroup, a.log).
			WithHandlerTimeout(a.cfg.JobTimeout)
		commands := worker.NewCommandHandler(a.retry, a.reconciler, a.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(ctx, commands.Handle)
			if err := consumer.Close(); err != nil {
				a.log.Warn("[Kafka] consumer close failed", zap.Error(err))
			}
		}()
	}

	jobs.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("[App] listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("[App] shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.log.Error("[App] http server failed", zap.Error(err))
		}
	}

	// stop intake first, then let in-flight jobs finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("[App] http shutdown", zap.Error(err))
	}
	<-jobs.Stop().Done()
	wg.Wait()
	a.log.Info("[App] stopped")
	return nil
}
