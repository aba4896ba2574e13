package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Tanmoy095/PaySynapse/internal/store/postgres"
)

// runWithApp wires the service for a one-shot command.
func runWithApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := postgres.Open(cmd.Context(), cfg.CommonConfig.GetDBURL())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.MigrateUp(db); err != nil {
				return err
			}
			log.Info("[Migrate] schema up to date")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := postgres.Open(cmd.Context(), cfg.CommonConfig.GetDBURL())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.MigrateDown(db, steps); err != nil {
				return err
			}
			log.Info(fmt.Sprintf("[Migrate] rolled back %d step(s)", steps))
			return nil
		},
	})
	return cmd
}

func retrySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-sweep",
		Short: "Retry every failed payment that is due, once",
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			res, err := a.retry.Sweep(ctx)
			fmt.Printf("selected=%d retried=%d skipped=%d failed=%d\n", res.Selected, res.Retried, res.Skipped, res.Failed)
			return err
		}),
	}
}

func reconcileCmd() *cobra.Command {
	var subscription, user string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Backfill paid provider invoices missing from the ledger",
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			switch {
			case subscription != "":
				res, err := a.reconciler.ReconcileSubscription(ctx, subscription)
				fmt.Printf("missing=%d processed=%d skipped=%d failed=%d\n", res.TotalMissing, res.Processed, res.Skipped, res.Failed)
				return err
			case user != "":
				id, err := uuid.Parse(user)
				if err != nil {
					return fmt.Errorf("--user must be a uuid: %w", err)
				}
				res, err := a.reconciler.ReconcileUser(ctx, id)
				fmt.Printf("missing=%d processed=%d skipped=%d failed=%d\n", res.TotalMissing, res.Processed, res.Skipped, res.Failed)
				return err
			}
			return fmt.Errorf("one of --subscription or --user is required")
		}),
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "provider subscription id (sub_...)")
	cmd.Flags().StringVar(&user, "user", "", "user id; reconciles every subscription tagged with it")
	cmd.MarkFlagsMutuallyExclusive("subscription", "user")
	return cmd
}

func syncStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-stale",
		Short: "Confirm or fail PENDING payments against the provider",
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			res, err := a.reconciler.SyncStalePending(ctx)
			fmt.Printf("checked=%d filled=%d failed=%d unchanged=%d\n", res.Checked, res.Filled, res.Failed, res.Unchanged)
			return err
		}),
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish all pending outbox events and exit",
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			relay, err := a.relay()
			if err != nil {
				return err
			}
			total := 0
			for {
				n, err := relay.Flush(ctx)
				total += n
				if err != nil {
					fmt.Printf("published=%d\n", total)
					return err
				}
				if n == 0 {
					break
				}
			}
			fmt.Printf("published=%d\n", total)
			return nil
		}),
	}
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <payment-id>",
		Short: "Cancel an open payment at the provider and in the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("payment id must be a uuid: %w", err)
			}
			out, err := a.payments.CancelPayment(ctx, id, reason)
			if err != nil {
				return err
			}
			fmt.Printf("cancelled=%s replayed=%t\n", out.Result, out.Replayed)
			return nil
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason (default requested_by_customer)")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <payment-id>",
		Short: "Retry one failed payment now",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("payment id must be a uuid: %w", err)
			}
			out, err := a.payments.RetryPayment(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("retried=%s replayed=%t\n", out.Result, out.Replayed)
			return nil
		}),
	}
}
