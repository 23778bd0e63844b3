/**
 * @description
 * This file sets up the HTTP router for the subscription-service using the go-chi/chi router.
 * It defines the API routes, applies middleware for logging, CORS, and authentication,
 * and maps the routes to their corresponding handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the subscription-service routes.
// User routes require a Clerk JWT when jwksURL is set.
func NewRouter(h *Handler, webhooks http.Handler, jwksURL string, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Subscription service is healthy"))
	})

	// The gateway authenticates with the body signature, not a user token.
	r.Method(http.MethodPost, "/webhooks/payment", webhooks)

	r.Get("/subscriptions/plans", h.handleListPlans)

	r.Group(func(r chi.Router) {
		if jwksURL != "" {
			r.Use(ClerkAuthMiddleware(jwksURL))
		}

		r.Post("/subscriptions/initialize", h.handleInitialize)
		r.Post("/subscriptions/verify", h.handleVerify)
		r.Get("/subscriptions/user/{userId}", h.handleListByUser)
		r.Get("/subscriptions/user/{userId}/active", h.handleGetActiveByUser)
		r.Get("/subscriptions/{subscriptionCode}", h.handleGet)
		r.Post("/subscriptions/{subscriptionCode}/cancel", h.handleCancel)
		r.Post("/subscriptions/{subscriptionCode}/reactivate", h.handleReactivate)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/plans", h.handleCreatePlan)
		r.Post("/subscriptions/reconcile", h.handleReconcile)
	})

	return r
}
