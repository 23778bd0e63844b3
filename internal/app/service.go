/**
 * @description
 * This file contains the user-facing business logic for the subscription service.
 * The Service validates requests, talks to the payment gateway and hands every
 * state change to the reconciliation Engine.
 *
 * @notes
 * - Initialization and verification are never retried automatically. Disable,
 *   enable and plan creation are retried once when the gateway is unavailable.
 * - Once the gateway has confirmed a payment or a cancellation, a failing store
 *   write is logged as drift and the caller still gets a success response.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/store"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/paystackclient"
	"github.com/google/uuid"
)

// InitializeRequest is the body of POST /subscriptions/initialize.
type InitializeRequest struct {
	Email    string          `json:"email"`
	PlanCode string          `json:"planCode"`
	UserID   string          `json:"userId"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
}

// InitializeResponse tells the client where to send the payer.
type InitializeResponse struct {
	AuthorizationURL string       `json:"authorizationUrl"`
	AccessCode       string       `json:"accessCode"`
	Reference        string       `json:"reference"`
	Plan             *domain.Plan `json:"plan"`
}

// Customer is the payer as reported by the gateway.
type Customer struct {
	CustomerCode string `json:"customerCode,omitempty"`
	Email        string `json:"email,omitempty"`
}

// VerifyResponse is the result of POST /subscriptions/verify.
type VerifyResponse struct {
	Status       domain.TransactionStatus `json:"status"`
	Reference    string                   `json:"reference"`
	Amount       int64                    `json:"amount"`
	Currency     string                   `json:"currency"`
	Subscription *domain.Subscription     `json:"subscription"`
	Customer     Customer                 `json:"customer"`
	PaidAt       *time.Time               `json:"paidAt"`
}

// CreatePlanRequest is the body of POST /internal/plans. Amount is in kobo.
type CreatePlanRequest struct {
	Key         string `json:"key,omitempty"`
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Interval    string `json:"interval"`
	Description string `json:"description,omitempty"`
}

// ServiceOptions tunes the service. Zero values fall back to defaults.
type ServiceOptions struct {
	InitializeLimitPerMinute int
	RetryBackoff             time.Duration
	Currency                 string
}

// Service provides the business logic for subscription management.
type Service struct {
	engine       *Engine
	store        Store
	gateway      Gateway
	catalog      *PlanCatalog
	plans        PlanStore
	limiter      RateLimiter
	logger       *slog.Logger
	opts         ServiceOptions
	newReference func() string
}

// NewService creates a new subscription service.
func NewService(engine *Engine, st Store, gateway Gateway, catalog *PlanCatalog, plans PlanStore, limiter RateLimiter, logger *slog.Logger, opts ServiceOptions) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}
	return &Service{
		engine:       engine,
		store:        st,
		gateway:      gateway,
		catalog:      catalog,
		plans:        plans,
		limiter:      limiter,
		logger:       logger,
		opts:         opts,
		newReference: func() string { return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Initialize starts a subscription payment and records the pending subscription.
func (s *Service) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	email := strings.TrimSpace(req.Email)
	userID := strings.TrimSpace(req.UserID)
	switch {
	case email == "":
		return nil, &domain.ValidationError{Field: "email", Message: "email is required"}
	case !strings.Contains(email, "@"):
		return nil, &domain.ValidationError{Field: "email", Message: "email is invalid"}
	case strings.TrimSpace(req.PlanCode) == "":
		return nil, &domain.ValidationError{Field: "planCode", Message: "planCode is required"}
	case userID == "":
		return nil, &domain.ValidationError{Field: "userId", Message: "userId is required"}
	}

	if err := s.checkRateLimit(ctx, userID); err != nil {
		return nil, err
	}

	plan, err := s.catalog.Lookup(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}

	metadata := req.Metadata.Merge(domain.Metadata{
		"userId":   userID,
		"planCode": plan.PlanCode,
		"planName": plan.Name,
		"interval": string(plan.Interval),
	})
	if plan.Key != "" {
		metadata["planKey"] = plan.Key
	}

	result, err := s.gateway.InitializePayment(ctx, paystackclient.InitializeRequest{
		Email:     email,
		Amount:    plan.Amount,
		Plan:      plan.PlanCode,
		Reference: s.newReference(),
		Metadata:  metadata,
	})
	if err != nil {
		s.logger.Warn("payment initialization failed", "user_id", userID, "plan_code", plan.PlanCode, "error", err)
		return nil, err
	}

	if _, err := s.engine.RecordInitialization(ctx, InitializationRecord{
		Reference: result.Reference,
		UserID:    userID,
		Email:     email,
		Plan:      *plan,
		Metadata:  metadata,
	}); err != nil {
		// If the payment completes, verify or the charge webhook rebuilds the record
		// from gateway data; the sweep only sees records that were stored.
		s.logger.Error("failed to record initialized payment",
			"event", "reconciliation_drift", "reference", result.Reference, "user_id", userID, "error", err)
	}

	return &InitializeResponse{
		AuthorizationURL: result.AuthorizationURL,
		AccessCode:       result.AccessCode,
		Reference:        result.Reference,
		Plan:             plan,
	}, nil
}

// Verify asks the gateway for the current state of a payment and reconciles it.
func (s *Service) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &domain.ValidationError{Field: "reference", Message: "reference is required"}
	}

	result, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{
		Status:    result.Status,
		Reference: result.Reference,
		Amount:    result.Amount,
		Currency:  result.Currency,
		Customer:  Customer{CustomerCode: result.Customer.CustomerCode, Email: result.Customer.Email},
		PaidAt:    result.PaidAt,
	}

	outcome, err := s.engine.ReconcileVerification(ctx, result)
	if outcome != nil {
		resp.Subscription = outcome.Subscription
	}
	if err != nil {
		if result.Status != domain.TransactionSuccess {
			return nil, err
		}
		code := ""
		if resp.Subscription != nil {
			code = resp.Subscription.SubscriptionCode
		}
		s.engine.logDrift(result.Reference, code, err)
	}
	if result.Status == domain.TransactionFailed {
		s.logger.Info("payment verification reported failure", "reference", result.Reference, "gateway_response", result.GatewayResponse)
	}
	return resp, nil
}

// Get returns a subscription by code.
func (s *Service) Get(ctx context.Context, code string) (*domain.Subscription, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &domain.ValidationError{Field: "subscriptionCode", Message: "subscriptionCode is required"}
	}
	sub, err := s.store.GetSubscription(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, &domain.NotFoundError{Resource: "subscription", ID: code}
		}
		return nil, err
	}
	return sub, nil
}

// ListByUser returns every subscription a user has held.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &domain.ValidationError{Field: "userId", Message: "userId is required"}
	}
	return s.store.ListSubscriptionsByUser(ctx, userID)
}

// GetActiveByUser returns the subscription that currently grants a user access.
func (s *Service) GetActiveByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &domain.ValidationError{Field: "userId", Message: "userId is required"}
	}
	sub, err := s.store.FindActiveSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, &domain.NotFoundError{Resource: "active subscription for user", ID: userID}
		}
		return nil, err
	}
	return sub, nil
}

// Cancel disables the subscription at the gateway and records the cancellation.
func (s *Service) Cancel(ctx context.Context, code, token string) (*domain.Subscription, error) {
	sub, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if sub.IsProvisional() {
		return nil, &domain.ValidationError{Field: "subscriptionCode", Message: "subscription has not been confirmed by the payment gateway yet"}
	}
	if sub.Status == domain.StatusCancelled {
		return sub, nil
	}
	if sub.Status != domain.StatusActive && sub.Status != domain.StatusPaymentFailed {
		return nil, &domain.ValidationError{Field: "subscriptionCode", Message: fmt.Sprintf("subscription is %s and cannot be cancelled", sub.Status)}
	}
	token, err = resolveToken(token, sub)
	if err != nil {
		return nil, err
	}

	if err := s.retryUnavailable(ctx, "disable_subscription", func(ctx context.Context) error {
		return s.gateway.DisableSubscription(ctx, sub.SubscriptionCode, token)
	}); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("api.disable:%s:%d", sub.SubscriptionCode, sub.Revision)
	return s.applyConfirmed(ctx, sub, domain.EventSubscriptionDisable, key)
}

// Reactivate re-enables a cancelled subscription at the gateway and records it.
func (s *Service) Reactivate(ctx context.Context, code, token string) (*domain.Subscription, error) {
	sub, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if sub.IsProvisional() {
		return nil, &domain.ValidationError{Field: "subscriptionCode", Message: "subscription has not been confirmed by the payment gateway yet"}
	}
	if sub.Status == domain.StatusActive {
		return sub, nil
	}
	if sub.Status != domain.StatusCancelled {
		return nil, &domain.ValidationError{Field: "subscriptionCode", Message: fmt.Sprintf("subscription is %s and cannot be reactivated", sub.Status)}
	}
	token, err = resolveToken(token, sub)
	if err != nil {
		return nil, err
	}

	if err := s.retryUnavailable(ctx, "enable_subscription", func(ctx context.Context) error {
		return s.gateway.EnableSubscription(ctx, sub.SubscriptionCode, token)
	}); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("api.enable:%s:%d", sub.SubscriptionCode, sub.Revision)
	return s.applyConfirmed(ctx, sub, domain.EventSubscriptionEnable, key)
}

func (s *Service) applyConfirmed(ctx context.Context, sub *domain.Subscription, kind, key string) (*domain.Subscription, error) {
	outcome, err := s.engine.ApplyLocal(ctx, sub.SubscriptionCode, kind, key)
	if err != nil {
		s.logger.Error("gateway accepted subscription change but local store is stale",
			"event", "reconciliation_drift", "subscription_code", sub.SubscriptionCode, "change", kind, "error", err)
		return s.engine.Preview(sub, kind), nil
	}
	return outcome.Subscription, nil
}

// ListPlans returns the purchasable plans.
func (s *Service) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return s.catalog.List(ctx)
}

// CreatePlan creates a recurring plan at the gateway and stores it in the catalog.
func (s *Service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*domain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "name is required"}
	}
	if req.Amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Message: "amount must be a positive number of kobo"}
	}
	interval, err := domain.ParseInterval(req.Interval)
	if err != nil {
		return nil, &domain.ValidationError{Field: "interval", Message: err.Error()}
	}

	var created *paystackclient.PlanResult
	if err := s.retryUnavailable(ctx, "create_plan", func(ctx context.Context) error {
		var err error
		created, err = s.gateway.CreatePlan(ctx, paystackclient.CreatePlanRequest{
			Name:        name,
			Amount:      req.Amount,
			Interval:    interval,
			Description: req.Description,
			Currency:    s.opts.Currency,
		})
		return err
	}); err != nil {
		return nil, err
	}

	plan := &domain.Plan{
		Key:           strings.ToLower(strings.TrimSpace(req.Key)),
		PlanCode:      created.PlanCode,
		Name:          name,
		Amount:        req.Amount,
		DisplayAmount: domain.FormatMinorUnits(req.Amount),
		Currency:      s.opts.Currency,
		Interval:      interval,
		Description:   req.Description,
	}
	if s.plans == nil {
		return plan, nil
	}
	return s.plans.CreatePlan(ctx, plan)
}

// ReconcileStalePending runs the stale-pending sweep.
func (s *Service) ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error) {
	return s.engine.ReconcileStalePending(ctx)
}

func (s *Service) checkRateLimit(ctx context.Context, userID string) error {
	limit := s.opts.InitializeLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, "initialize", userID, limit, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request", "user_id", userID, "error", err)
		return nil
	}
	if !decision.Allowed {
		s.logger.Info("initialize rate limited", "user_id", userID, "count", decision.Count, "limit", limit)
		return &domain.RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds()}
	}
	return nil
}

// retryUnavailable runs fn and, if the gateway was unreachable, runs it once more after a backoff.
func (s *Service) retryUnavailable(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	var gwErr *domain.GatewayError
	if err == nil || !errors.As(err, &gwErr) || gwErr.Code != domain.GatewayCodeUnavailable {
		return err
	}

	s.logger.Warn("payment gateway unavailable; retrying once", "op", op, "error", err)
	timer := time.NewTimer(s.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return fn(ctx)
}

func resolveToken(token string, sub *domain.Subscription) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = sub.EmailToken
	}
	if token == "" {
		return "", &domain.ValidationError{Field: "token", Message: "token is required"}
	}
	return token, nil
}
