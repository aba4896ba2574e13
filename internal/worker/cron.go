package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedule is the cron wiring of the batch jobs.
type Schedule struct {
	RetrySweep string // e.g. "@every 10m"
	StaleSync  string // e.g. "@every 5m"
	JobTimeout time.Duration
}

// NewCron registers the retry sweep and stale-pending sync. Overlapping runs
// of the same job are skipped.
func NewCron(ctx context.Context, sched Schedule, retry *RetryScheduler, rec *Reconciler, log *zap.Logger) (*cron.Cron, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if sched.JobTimeout <= 0 {
		sched.JobTimeout = 5 * time.Minute
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	))

	if sched.RetrySweep != "" {
		_, err := c.AddFunc(sched.RetrySweep, func() {
			jobCtx, cancel := context.WithTimeout(ctx, sched.JobTimeout)
			defer cancel()
			if _, err := retry.Sweep(jobCtx); err != nil {
				log.Error("[Cron] retry sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if sched.StaleSync != "" {
		_, err := c.AddFunc(sched.StaleSync, func() {
			jobCtx, cancel := context.WithTimeout(ctx, sched.JobTimeout)
			defer cancel()
			if _, err := rec.SyncStalePending(jobCtx); err != nil {
				log.Error("[Cron] stale pending sync failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw("[Cron] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw("[Cron] "+msg, append(keysAndValues, "error", err)...)
}
