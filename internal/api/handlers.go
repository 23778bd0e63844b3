/**
 * @description
 * This file contains the HTTP handler functions for the subscription-service.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * business logic in the service layer, and writing the HTTP response.
 *
 * @notes
 * - Every error leaves through writeError, which maps the domain error taxonomy
 *   onto status codes and the {"success": false, "error": ...} body.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/app"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/go-chi/chi/v5"
)

// SubscriptionService is the business logic the handlers drive.
type SubscriptionService interface {
	Initialize(ctx context.Context, req app.InitializeRequest) (*app.InitializeResponse, error)
	Verify(ctx context.Context, reference string) (*app.VerifyResponse, error)
	Get(ctx context.Context, code string) (*domain.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	GetActiveByUser(ctx context.Context, userID string) (*domain.Subscription, error)
	Cancel(ctx context.Context, code, token string) (*domain.Subscription, error)
	Reactivate(ctx context.Context, code, token string) (*domain.Subscription, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	CreatePlan(ctx context.Context, req app.CreatePlanRequest) (*domain.Plan, error)
	ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service SubscriptionService
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service SubscriptionService) *Handler {
	return &Handler{service: service}
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req app.InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !authorizedFor(r, req.UserID) {
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return
	}

	resp, err := h.service.Initialize(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api op=initialize user_id=%s err=%v", req.UserID, err)
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.Verify(r.Context(), req.Reference)
	if err != nil {
		log.Printf("level=warn component=api op=verify reference=%s err=%v", req.Reference, err)
		writeError(w, err)
		return
	}
	if resp.Subscription != nil && resp.Subscription.UserID != "" && !authorizedFor(r, resp.Subscription.UserID) {
		log.Printf("level=warn component=api op=verify msg=\"reference belongs to another user\" reference=%s", req.Reference)
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plans)
}

func (h *Handler) handleListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !authorizedFor(r, userID) {
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return
	}

	subs, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetActiveByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !authorizedFor(r, userID) {
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return
	}

	sub, err := h.service.GetActiveByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.Get(r.Context(), chi.URLParam(r, "subscriptionCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !authorizedFor(r, sub.UserID) {
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTokenChange(w, r, "cancel", h.service.Cancel)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	h.handleTokenChange(w, r, "reactivate", h.service.Reactivate)
}

func (h *Handler) handleTokenChange(w http.ResponseWriter, r *http.Request, op string, change func(context.Context, string, string) (*domain.Subscription, error)) {
	code := chi.URLParam(r, "subscriptionCode")

	var req tokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if _, ok := UserFromContext(r.Context()); ok {
		current, err := h.service.Get(r.Context(), code)
		if err != nil {
			writeError(w, err)
			return
		}
		if !authorizedFor(r, current.UserID) {
			writeErrorMessage(w, http.StatusForbidden, "Forbidden")
			return
		}
	}

	sub, err := change(r.Context(), code, req.Token)
	if err != nil {
		log.Printf("level=warn component=api op=%s subscription_code=%s err=%v", op, code, err)
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req app.CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	plan, err := h.service.CreatePlan(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api op=create_plan name=%q err=%v", req.Name, err)
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, plan)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ReconcileStalePending(r.Context())
	if err != nil {
		log.Printf("level=error component=api op=reconcile_stale_pending err=%v", err)
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// authorizedFor reports whether the authenticated caller may act for userID.
// Requests without an authenticated user are allowed when auth is disabled.
func authorizedFor(r *http.Request, userID string) bool {
	caller, ok := UserFromContext(r.Context())
	if !ok {
		return true
	}
	return caller == userID
}

// writeError maps a domain error onto an HTTP status and error body.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		gatewayErr    *domain.GatewayError
		notFoundErr   *domain.NotFoundError
		signatureErr  *domain.SignatureError
		conflictErr   *domain.StoreConflictError
		rateLimitErr  *domain.RateLimitError
	)

	switch {
	case errors.As(err, &validationErr):
		writeErrorMessage(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &gatewayErr):
		if gatewayErr.IsClientFault() {
			writeErrorMessage(w, http.StatusBadRequest, gatewayErr.Message)
			return
		}
		writeErrorMessage(w, http.StatusBadGateway, "payment gateway error: "+gatewayErr.Message)
	case errors.As(err, &notFoundErr):
		writeErrorMessage(w, http.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &signatureErr):
		writeErrorMessage(w, http.StatusBadRequest, "invalid signature")
	case errors.As(err, &conflictErr):
		writeErrorMessage(w, http.StatusServiceUnavailable, "subscription is being updated, please retry")
	case errors.As(err, &rateLimitErr):
		if rateLimitErr.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimitErr.RetryAfterSeconds))
		}
		writeErrorMessage(w, http.StatusTooManyRequests, rateLimitErr.Error())
	default:
		writeErrorMessage(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
