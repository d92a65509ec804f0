/**
 * @description
 * Cron scheduler for the exchange-service background jobs. The only job today
 * sweeps pending payment requests past their expiry.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpirySweeper is satisfied by *Reconciler.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron           *cron.Cron
	sweeper        ExpirySweeper
	logger         *slog.Logger
	expirySchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper ExpirySweeper, logger *slog.Logger, expirySchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:           c,
		sweeper:        sweeper,
		logger:         logger,
		expirySchedule: expirySchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.expirySchedule, s.SweepExpiredPayments); err != nil {
		s.logger.Error("failed to schedule payment expiry job", "error", err)
		return err
	}
	s.logger.Info("scheduled payment expiry job", "schedule", s.expirySchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// SweepExpiredPayments is the payment expiry job.
func (s *Scheduler) SweepExpiredPayments() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("payment expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired pending payments", "count", n)
	}
}
