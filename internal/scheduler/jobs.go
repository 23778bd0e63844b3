/**
 * @description
 * Scheduled job implementations for the scheduler-service.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// SubscriptionClient defines the interface for communicating with the subscription service.
type SubscriptionClient interface {
	ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	subClient SubscriptionClient
	logger    *slog.Logger
	timeout   time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(subClient SubscriptionClient, logger *slog.Logger) *Jobs {
	return &Jobs{
		subClient: subClient,
		logger:    logger,
		timeout:   5 * time.Minute,
	}
}

// ReconcileStalePending asks the subscription service to re-verify pending
// subscriptions whose payment outcome never reached us.
func (j *Jobs) ReconcileStalePending() {
	j.logger.Info("starting stale pending reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	summary, err := j.subClient.ReconcileStalePending(ctx)
	if err != nil {
		j.logger.Error("failed to reconcile stale pending subscriptions", "error", err)
		return
	}

	if summary.Errors > 0 {
		j.logger.Warn("stale pending reconciliation finished with errors",
			"checked", summary.Checked, "activated", summary.Activated, "expired", summary.Expired,
			"skipped", summary.Skipped, "errors", summary.Errors)
		return
	}
	j.logger.Info("stale pending reconciliation job finished",
		"checked", summary.Checked, "activated", summary.Activated, "expired", summary.Expired, "skipped", summary.Skipped)
}
