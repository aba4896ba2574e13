package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/ledger"
)

// SweepResult counts what one retry sweep did.
type SweepResult struct {
	Selected int
	Retried  int
	Skipped  int // replayed within the hour, or no longer eligible
	Failed   int
}

// RetryScheduler drives one retry for every FAILED payment that is due.
// Eligibility is the ledger's query; nextRetryAt was fixed when the payment failed.
type RetryScheduler struct {
	ledger      *ledger.Ledger
	payments    PaymentService
	log         *zap.Logger
	batchSize   int
	workerCount int

	mu sync.Mutex // one sweep at a time per process
}

func NewRetryScheduler(l *ledger.Ledger, payments PaymentService, log *zap.Logger, batchSize, workerCount int) *RetryScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetryScheduler{
		ledger:      l,
		payments:    payments,
		log:         log.Named("retry"),
		batchSize:   batchSize,
		workerCount: workerCount,
	}
}

func (s *RetryScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.mu.TryLock() {
		s.log.Info("[RetryScheduler] sweep already running, skipping")
		return SweepResult{}, nil
	}
	defer s.mu.Unlock()

	due, err := s.ledger.ListRetryEligible(ctx, s.payments.MaxRetryAttempts(), s.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("select retry-eligible payments: %w", err)
	}
	res := SweepResult{Selected: len(due)}
	if len(due) == 0 {
		s.log.Debug("[RetryScheduler] nothing due")
		return res, nil
	}
	s.log.Info("[RetryScheduler] sweeping", zap.Int("due", len(due)))

	var mu sync.Mutex
	runPool(ctx, due, s.workerCount, func(ctx context.Context, rec *ledger.PaymentRecord) {
		out, err := s.payments.RetryPayment(ctx, rec.ID)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil && out.Replayed:
			res.Skipped++
		case err == nil:
			res.Retried++
		case isSkip(err):
			res.Skipped++
			s.log.Info("[RetryScheduler] payment no longer retryable",
				zap.String("payment_id", rec.ID.String()), zap.Error(err))
		default:
			res.Failed++
			s.log.Warn("[RetryScheduler] retry failed",
				zap.String("payment_id", rec.ID.String()),
				zap.Int("attempt", rec.AttemptCount),
				zap.Error(err))
		}
	})

	s.log.Info("[RetryScheduler] sweep done",
		zap.Int("retried", res.Retried),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}
