package app

import (
	"context"
	"errors"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// ReconcileStalePending re-verifies the initial payment of every pending subscription
// older than the reconcile window. Paid ones are activated; unpaid ones older than
// the expiry window are moved to expired. Everything else is left for the next run.
func (e *Engine) ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error) {
	now := e.now()
	stale, err := e.store.ListStalePendingSubscriptions(ctx, now.Add(-e.opts.ReconcileAfter), e.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	summary := &domain.ReconcileSummary{}
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		sub := &stale[i]
		summary.Checked++
		expirable := now.Sub(sub.CreatedAt) >= e.opts.ExpireAfter

		if sub.InitialReference == "" {
			if expirable {
				e.expirePending(ctx, sub, summary)
			} else {
				summary.Skipped++
			}
			continue
		}

		result, err := e.gateway.VerifyTransaction(ctx, sub.InitialReference)
		if err != nil {
			var gwErr *domain.GatewayError
			if errors.As(err, &gwErr) && gwErr.IsClientFault() && expirable {
				e.expirePending(ctx, sub, summary)
				continue
			}
			e.logger.Warn("stale pending verification failed",
				"subscription_code", sub.SubscriptionCode, "reference", sub.InitialReference, "error", err)
			summary.Errors++
			continue
		}

		if result.Status != domain.TransactionPending {
			outcome, err := e.ReconcileVerification(ctx, result)
			if err != nil {
				if result.Status == domain.TransactionSuccess {
					e.logDrift(result.Reference, sub.SubscriptionCode, err)
				}
				summary.Errors++
				continue
			}
			if result.Status == domain.TransactionSuccess {
				if outcome.Subscription != nil && outcome.Subscription.Status == domain.StatusActive {
					summary.Activated++
				} else {
					summary.Skipped++
				}
				continue
			}
		}

		if !expirable {
			summary.Skipped++
			continue
		}
		e.expirePending(ctx, sub, summary)
	}

	e.logger.Info("stale pending reconciliation finished",
		"checked", summary.Checked, "activated", summary.Activated, "expired", summary.Expired,
		"skipped", summary.Skipped, "errors", summary.Errors)
	return summary, nil
}

func (e *Engine) expirePending(ctx context.Context, sub *domain.Subscription, summary *domain.ReconcileSummary) {
	outcome, err := e.apply(ctx, sub.SubscriptionCode, reconcileEvent{
		Kind: domain.EventSweepExpire,
		Key:  "sweep.expire:" + sub.SubscriptionCode,
	})
	if err != nil {
		e.logger.Warn("failed to expire stale pending subscription", "subscription_code", sub.SubscriptionCode, "error", err)
		summary.Errors++
		return
	}
	if outcome.Applied {
		summary.Expired++
		return
	}
	summary.Skipped++
}
