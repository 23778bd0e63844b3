/**
 * @description
 * The reconciliation engine is the only component that writes subscription state.
 * Verification results, webhooks, local cancel/reactivate requests and the
 * stale-pending sweep all end up in Engine.apply, which runs the
 * read-compute-write cycle against the store with a revision precondition.
 *
 * @notes
 * - Each applied transition records its event key on the record in the same
 *   write, so replaying an event is a no-op that returns the stored snapshot.
 * - A lost revision race re-reads and recomputes, up to maxApplyAttempts times.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/store"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/paystackclient"
)

const maxApplyAttempts = 3

// Store defines the persistence operations the engine and service need.
type Store interface {
	GetSubscription(ctx context.Context, code string) (*domain.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	PromoteSubscription(ctx context.Context, fromCode, toCode string, expectedRevision int64) (*domain.Subscription, error)
	FindActiveSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	FindProvisionalSubscription(ctx context.Context, email, planCode string) (*domain.Subscription, error)
	FindSubscriptionByCustomerPlan(ctx context.Context, customerCode, planCode string) (*domain.Subscription, error)
	FindUserIDByCustomer(ctx context.Context, customerCode, email string) (string, error)
	ListStalePendingSubscriptions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Subscription, error)
	AppendTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error)
}

// Gateway defines the payment gateway operations the engine and service need.
type Gateway interface {
	InitializePayment(ctx context.Context, req paystackclient.InitializeRequest) (*paystackclient.InitializeResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystackclient.TransactionResult, error)
	CreatePlan(ctx context.Context, req paystackclient.CreatePlanRequest) (*paystackclient.PlanResult, error)
	DisableSubscription(ctx context.Context, code, token string) error
	EnableSubscription(ctx context.Context, code, token string) error
}

// EventPublisher publishes lifecycle events after applied transitions.
type EventPublisher interface {
	PublishSubscriptionEvent(ctx context.Context, routingKey string, event domain.SubscriptionEvent) error
}

// EngineOptions tunes the engine. Zero values fall back to defaults.
type EngineOptions struct {
	ReconcileAfter time.Duration
	ExpireAfter    time.Duration
	BatchSize      int
	Deduplicator   WebhookDeduplicator
}

// Outcome is the result of reconciling one event.
type Outcome struct {
	Subscription *domain.Subscription
	Transaction  *domain.Transaction
	Applied      bool
	Duplicate    bool
	Label        string
}

// Engine applies gateway events to the subscription store.
type Engine struct {
	store     Store
	gateway   Gateway
	publisher EventPublisher
	dedup     WebhookDeduplicator
	logger    *slog.Logger
	opts      EngineOptions
	now       func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(st Store, gateway Gateway, publisher EventPublisher, logger *slog.Logger, opts EngineOptions) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = 30 * time.Minute
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = 48 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	dedup := opts.Deduplicator
	if dedup == nil {
		dedup = noopDeduplicator{}
	}
	return &Engine{
		store:     st,
		gateway:   gateway,
		publisher: publisher,
		dedup:     dedup,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitializationRecord describes a payment that was just initialized at the gateway.
type InitializationRecord struct {
	Reference string
	UserID    string
	Email     string
	Plan      domain.Plan
	Metadata  domain.Metadata
}

// RecordInitialization creates the pending subscription and its pending transaction.
func (e *Engine) RecordInitialization(ctx context.Context, in InitializationRecord) (*Outcome, error) {
	ev := reconcileEvent{
		Kind:          domain.EventInitialize,
		Key:           "initialize:" + in.Reference,
		Reference:     in.Reference,
		UserID:        in.UserID,
		CustomerEmail: in.Email,
		PlanCode:      in.Plan.PlanCode,
		PlanName:      in.Plan.Name,
		Amount:        in.Plan.Amount,
		Currency:      in.Plan.Currency,
		Interval:      in.Plan.Interval,
		TxStatus:      domain.TransactionPending,
		Metadata:      in.Metadata,
	}
	code := domain.ProvisionalCode(in.Reference)
	outcome, err := e.apply(ctx, code, ev)
	if err != nil {
		return nil, err
	}
	if err := e.recordTransaction(ctx, outcome, &ev); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ReconcileVerification applies a verification result fetched from the gateway.
func (e *Engine) ReconcileVerification(ctx context.Context, result *paystackclient.TransactionResult) (*Outcome, error) {
	ev := chargeEventFromVerification(result)
	return e.reconcileCharge(ctx, ev)
}

// ApplyLocal applies a locally initiated transition (cancel, reactivate) that the
// gateway has already accepted.
func (e *Engine) ApplyLocal(ctx context.Context, code, kind, key string) (*Outcome, error) {
	if _, ok := transitions[kind]; !ok {
		return nil, fmt.Errorf("no transition registered for event %q", kind)
	}
	return e.apply(ctx, code, reconcileEvent{Kind: kind, Key: key})
}

// Preview computes the state a local event would produce without writing it.
func (e *Engine) Preview(sub *domain.Subscription, kind string) *domain.Subscription {
	transition, ok := transitions[kind]
	if !ok || sub == nil {
		return sub
	}
	next, _ := transition(sub.Clone(), &reconcileEvent{Kind: kind, target: sub.SubscriptionCode}, e.now())
	if next == nil {
		return sub
	}
	return next
}

// reconcileCharge routes a charge observation to the subscription it belongs to and
// records the transaction.
func (e *Engine) reconcileCharge(ctx context.Context, ev reconcileEvent) (*Outcome, error) {
	code, prior, err := e.resolveChargeTarget(ctx, &ev)
	if err != nil {
		return nil, err
	}

	// A settled payment has already moved the subscription. Neither a late failure
	// for the same reference nor a redelivered success may move it again.
	settled := prior != nil && prior.Status == domain.TransactionSuccess
	if settled && ev.Kind != "" {
		e.logger.Info("charge already settled; skipping transition",
			"reference", ev.Reference, "event", ev.Kind, "subscription_code", code)
		ev.Kind = ""
	}

	if code == "" && !settled && ev.TxStatus == domain.TransactionSuccess && ev.Reference != "" {
		if err := e.fillUserID(ctx, &ev); err != nil {
			return nil, err
		}
		code = domain.ProvisionalCode(ev.Reference)
		e.logger.Warn("no local subscription for successful charge; rebuilding from gateway data",
			"reference", ev.Reference, "user_id", ev.UserID, "customer_code", ev.CustomerCode)
	}

	outcome := &Outcome{Duplicate: settled}
	switch {
	case code == "":
		e.logger.Info("charge does not match any subscription", "reference", ev.Reference, "status", ev.TxStatus)
	case ev.Kind == "":
		sub, err := e.store.GetSubscription(ctx, code)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, err
		}
		outcome.Subscription = sub
	default:
		outcome, err = e.apply(ctx, code, ev)
		if err != nil {
			return nil, err
		}
	}

	if err := e.recordTransaction(ctx, outcome, &ev); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// fillUserID resolves the owning user from earlier subscriptions of the same customer
// when the payload did not carry one in its metadata.
func (e *Engine) fillUserID(ctx context.Context, ev *reconcileEvent) error {
	if ev.UserID != "" || (ev.CustomerCode == "" && ev.CustomerEmail == "") {
		return nil
	}
	userID, err := e.store.FindUserIDByCustomer(ctx, ev.CustomerCode, ev.CustomerEmail)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	ev.UserID = userID
	return nil
}

// resolveChargeTarget finds the subscription a charge belongs to: the code its
// transaction was recorded under, the code in the payload, the provisional record
// created at initialization, or the customer's subscription to the same plan.
// It also returns the stored transaction for the reference, if any.
func (e *Engine) resolveChargeTarget(ctx context.Context, ev *reconcileEvent) (string, *domain.Transaction, error) {
	var prior *domain.Transaction
	if ev.Reference != "" {
		tx, err := e.store.GetTransaction(ctx, ev.Reference)
		switch {
		case err == nil:
			prior = tx
			if tx.SubscriptionCode != "" {
				return tx.SubscriptionCode, prior, nil
			}
		case !errors.Is(err, store.ErrTransactionNotFound):
			return "", nil, err
		}
	}

	if ev.SubscriptionCode != "" {
		code, err := e.resolveSubscriptionCode(ctx, ev)
		return code, prior, err
	}

	if ev.Reference != "" {
		provisional := domain.ProvisionalCode(ev.Reference)
		_, err := e.store.GetSubscription(ctx, provisional)
		if err == nil {
			return provisional, prior, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return "", nil, err
		}
	}

	if ev.CustomerCode != "" && ev.PlanCode != "" {
		sub, err := e.store.FindSubscriptionByCustomerPlan(ctx, ev.CustomerCode, ev.PlanCode)
		if err == nil {
			return sub.SubscriptionCode, prior, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return "", nil, err
		}
	}
	return "", prior, nil
}

// relocate finds where a record went after it disappeared between two reads of
// the same code, which happens when a provisional code is promoted concurrently.
func (e *Engine) relocate(ctx context.Context, code, reference string) (string, error) {
	if reference == "" {
		return "", nil
	}
	tx, err := e.store.GetTransaction(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return "", nil
		}
		return "", err
	}
	if tx.SubscriptionCode == code {
		return "", nil
	}
	return tx.SubscriptionCode, nil
}

// resolveSubscriptionCode returns the gateway code of the event, first promoting the
// provisional record of the same customer and plan when the code is not known yet.
func (e *Engine) resolveSubscriptionCode(ctx context.Context, ev *reconcileEvent) (string, error) {
	code := ev.SubscriptionCode
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		_, err := e.store.GetSubscription(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return "", err
		}
		if ev.CustomerEmail == "" || ev.PlanCode == "" {
			return code, nil
		}

		provisional, err := e.store.FindProvisionalSubscription(ctx, ev.CustomerEmail, ev.PlanCode)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}

		if _, err := e.store.PromoteSubscription(ctx, provisional.SubscriptionCode, code, provisional.Revision); err != nil {
			if errors.Is(err, store.ErrRevisionConflict) {
				continue
			}
			return "", err
		}
		e.logger.Info("promoted provisional subscription", "from", provisional.SubscriptionCode, "to", code)
		return code, nil
	}
	return "", &domain.StoreConflictError{SubscriptionCode: code, Attempts: maxApplyAttempts}
}

// apply runs the read-compute-write cycle for one event against one subscription.
func (e *Engine) apply(ctx context.Context, code string, ev reconcileEvent) (*Outcome, error) {
	transition, ok := transitions[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("no transition registered for event %q", ev.Kind)
	}
	ev.target = code

	// Only an event whose first read found no record may create one. A record that
	// vanishes between attempts was moved, not deleted.
	seen := false
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		current, err := e.load(ctx, code)
		if err != nil {
			return nil, err
		}
		if current == nil && seen {
			moved, err := e.relocate(ctx, code, ev.Reference)
			if err != nil {
				return nil, err
			}
			if moved == "" {
				return nil, &domain.StoreConflictError{SubscriptionCode: code, Attempts: attempt}
			}
			e.logger.Info("subscription moved during reconciliation; following it",
				"from", code, "to", moved, "event", ev.Kind)
			code = moved
			ev.target = code
			if current, err = e.load(ctx, code); err != nil {
				return nil, err
			}
			if current == nil {
				return nil, &domain.StoreConflictError{SubscriptionCode: code, Attempts: attempt}
			}
		}
		if current != nil {
			seen = true
		}

		if current != nil && current.HasProcessed(ev.Key) {
			return &Outcome{Subscription: current, Duplicate: true}, nil
		}

		var working *domain.Subscription
		if current != nil {
			working = current.Clone()
		}
		next, label := transition(working, &ev, e.now())
		if next == nil {
			if current != nil {
				e.logger.Info("event not applicable to current state",
					"subscription_code", code, "event", ev.Kind, "status", current.Status)
			}
			return &Outcome{Subscription: current}, nil
		}

		next.SubscriptionCode = code
		next.RecordEvent(ev.Key)
		next.Revision = 0
		if current != nil {
			next.Revision = current.Revision
		}

		saved, err := e.store.UpsertSubscription(ctx, next)
		if err != nil {
			if errors.Is(err, store.ErrRevisionConflict) {
				e.logger.Warn("subscription revision conflict; retrying",
					"subscription_code", code, "event", ev.Kind, "attempt", attempt)
				continue
			}
			return nil, err
		}

		e.logger.Info("subscription transition applied",
			"subscription_code", code, "event", ev.Kind, "status", saved.Status)
		e.publish(ctx, saved, ev.Kind, label)
		return &Outcome{Subscription: saved, Applied: true, Label: label}, nil
	}
	return nil, &domain.StoreConflictError{SubscriptionCode: code, Attempts: maxApplyAttempts}
}

// load returns the stored subscription, or nil when there is none.
func (e *Engine) load(ctx context.Context, code string) (*domain.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (e *Engine) recordTransaction(ctx context.Context, outcome *Outcome, ev *reconcileEvent) error {
	if ev.Reference == "" {
		return nil
	}
	tx := &domain.Transaction{
		Reference:       ev.Reference,
		UserID:          ev.UserID,
		Amount:          ev.Amount,
		Currency:        ev.Currency,
		Status:          ev.TxStatus,
		Channel:         ev.Channel,
		GatewayResponse: ev.GatewayResponse,
		PaidAt:          ev.PaidAt,
	}
	if tx.Status == "" {
		tx.Status = domain.TransactionPending
	}
	if tx.Currency == "" {
		tx.Currency = "NGN"
	}
	if outcome != nil && outcome.Subscription != nil {
		tx.SubscriptionCode = outcome.Subscription.SubscriptionCode
		if tx.UserID == "" {
			tx.UserID = outcome.Subscription.UserID
		}
	}

	saved, err := e.store.AppendTransaction(ctx, tx)
	if err != nil {
		return err
	}
	if outcome != nil {
		outcome.Transaction = saved
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, sub *domain.Subscription, kind, label string) {
	if e.publisher == nil || label == "" {
		return
	}
	event := domain.SubscriptionEvent{
		SubscriptionCode: sub.SubscriptionCode,
		UserID:           sub.UserID,
		Status:           sub.Status,
		Event:            kind,
		OccurredAt:       e.now(),
	}
	if err := e.publisher.PublishSubscriptionEvent(ctx, "subscription."+label, event); err != nil {
		e.logger.Warn("failed to publish subscription event",
			"subscription_code", sub.SubscriptionCode, "label", label, "error", err)
	}
}

// logDrift records that the gateway confirmed a payment the store could not persist.
func (e *Engine) logDrift(reference, code string, err error) {
	e.logger.Error("gateway confirmed payment but local store is stale",
		"event", "reconciliation_drift", "reference", reference, "subscription_code", code, "error", err)
}

func chargeEventFromVerification(result *paystackclient.TransactionResult) reconcileEvent {
	md := result.Metadata
	planCode := result.PlanCode
	if planCode == "" {
		planCode = md.String("planCode")
	}
	interval, _ := domain.ParseInterval(md.String("interval"))

	ev := reconcileEvent{
		Reference:       result.Reference,
		UserID:          md.String("userId"),
		CustomerCode:    result.Customer.CustomerCode,
		CustomerEmail:   result.Customer.Email,
		PlanCode:        planCode,
		PlanName:        md.String("planName"),
		Amount:          result.Amount,
		Currency:        result.Currency,
		Interval:        interval,
		TxStatus:        result.Status,
		Channel:         result.Channel,
		GatewayResponse: result.GatewayResponse,
		PaidAt:          result.PaidAt,
		CreatedAt:       result.CreatedAt,
		Metadata:        md,
	}
	setChargeKind(&ev, "")
	return ev
}

// setChargeKind picks the transition and idempotency key for a charge. Both entry
// points key a charge by reference so a verification and a webhook converge.
func setChargeKind(ev *reconcileEvent, fallbackKey string) {
	switch ev.TxStatus {
	case domain.TransactionSuccess:
		ev.Kind = domain.EventChargeSuccess
		ev.Key = "charge:" + ev.Reference
	case domain.TransactionFailed:
		if ev.Kind == "" {
			ev.Kind = domain.EventChargeFailed
		}
		ev.Key = "charge_failed:" + ev.Reference
	default:
		ev.Kind = ""
		ev.Key = ""
		return
	}
	if ev.Reference == "" {
		ev.Key = fallbackKey
	}
}
