package api

import (
	"context"
	"io"
	"log"
	"net/http"
)

const (
	signatureHeader     = "x-paystack-signature"
	maxWebhookBodyBytes = 1 << 20
)

// SignatureVerifier authenticates a raw webhook body.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// WebhookProcessor applies an authenticated webhook body.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte) error
}

// WebhookHandler receives payment gateway webhooks.
type WebhookHandler struct {
	verifier  SignatureVerifier
	processor WebhookProcessor
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(verifier SignatureVerifier, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, processor: processor}
}

// ServeHTTP verifies the signature over the raw body before anything is parsed.
// Authenticated deliveries are always acknowledged with 200; processing failures
// are logged so the gateway does not retry into a storm.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"cannot read body\" err=%v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(signatureHeader)); err != nil {
		log.Printf("level=warn component=webhook event=webhook_signature_rejected remote=%s err=%v", r.RemoteAddr, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Processing must not be abandoned halfway when the gateway hangs up.
	ctx := context.WithoutCancel(r.Context())
	if err := h.processor.HandleWebhook(ctx, body); err != nil {
		log.Printf("level=error component=webhook msg=\"webhook processing failed\" err=%v", err)
	}
	w.WriteHeader(http.StatusOK)
}
