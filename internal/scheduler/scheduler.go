/**
 * @description
 * Cron scheduler setup for the scheduler-service.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance. A sweep that is still running
// when its next tick fires is not started twice.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.ReconcileJobSchedule, s.jobs.ReconcileStalePending); err != nil {
		s.logger.Error("failed to schedule stale pending reconciliation job", "schedule", s.config.ReconcileJobSchedule, "error", err)
		return err
	}
	s.logger.Info("scheduled stale pending reconciliation job", "schedule", s.config.ReconcileJobSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
