// Package worker holds the batch jobs: retry sweep, reconciliation and
// stale-pending sync. Each is a pure sweep; timers live in the cron wiring.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

// PaymentService is the slice of payment.Service the workers drive.
type PaymentService interface {
	HandleInvoicePaid(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandlePaymentSucceeded(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	HandlePaymentFailed(ctx context.Context, evt payment.ProviderEvent, meta payment.EventMetadata) (payment.Outcome, error)
	RetryPayment(ctx context.Context, paymentID uuid.UUID) (payment.Outcome, error)
	MaxRetryAttempts() int
}

const defaultWorkerCount = 5

// runPool feeds items to workerCount goroutines and waits for them.
func runPool[T any](ctx context.Context, items []T, workerCount int, do func(ctx context.Context, item T)) {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	jobs := make(chan T, len(items))
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if ctx.Err() != nil {
					continue // drain
				}
				do(ctx, item)
			}
		}()
	}
	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
}

// isSkip: the record or invoice is not actionable, which is not a failure.
func isSkip(err error) bool {
	return errors.Is(err, derrors.ErrValidation) ||
		errors.Is(err, derrors.ErrInvalidState) ||
		errors.Is(err, derrors.ErrDuplicate)
}
