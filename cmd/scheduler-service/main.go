/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a non-HTTP, long-running process that executes scheduled tasks (cron jobs).
 * It periodically asks the subscription-service to reconcile pending subscriptions whose
 * payment outcome was never delivered.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/config"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/scheduler"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/subscriptionclient"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found; using environment")
	}

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not set; reconcile calls are unauthenticated")
	}

	subClient := subscriptionclient.NewClient(cfg.SubscriptionServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(subClient, logger)
	s := scheduler.NewScheduler(jobs, logger, *cfg)

	if err := s.Start(); err != nil {
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := s.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
