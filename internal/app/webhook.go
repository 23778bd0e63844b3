/**
 * @description
 * Webhook authentication and dispatch. The gateway signs the raw request body with
 * HMAC-SHA512 using the shared webhook secret; the signature must verify before
 * the body is parsed. Authenticated events are routed through webhookHandlers,
 * one entry per event type.
 */
package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// WebhookVerifier checks gateway webhook signatures.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier creates a verifier for the shared webhook secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// Verify returns a *domain.SignatureError unless signature is the hex HMAC-SHA512 of body.
func (v *WebhookVerifier) Verify(body []byte, signature string) error {
	if v == nil || len(v.secret) == 0 {
		return &domain.SignatureError{Reason: "webhook secret is not configured"}
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &domain.SignatureError{Reason: "missing signature header"}
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return &domain.SignatureError{Reason: "signature is not hex encoded"}
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return &domain.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// Sign returns the signature the gateway would send for body.
func (v *WebhookVerifier) Sign(body []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookHandler func(e *Engine, ctx context.Context, evt domain.WebhookEvent, digest string) error

var webhookHandlers = map[string]webhookHandler{
	domain.EventChargeSuccess:        handleChargeWebhook,
	domain.EventChargeFailed:         handleChargeWebhook,
	domain.EventInvoicePaymentFailed: handleChargeWebhook,
	domain.EventSubscriptionCreate:   handleSubscriptionWebhook,
	domain.EventSubscriptionDisable:  handleSubscriptionWebhook,
	domain.EventSubscriptionEnable:   handleSubscriptionWebhook,
	domain.EventSubscriptionNotRenew: handleSubscriptionWebhook,
}

// HandleWebhook parses an authenticated webhook body and applies it.
// Unknown event types are acknowledged without any state change.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte) error {
	var evt domain.WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid webhook payload"}
	}

	handler, ok := webhookHandlers[evt.Event]
	if !ok {
		e.logger.Info("ignoring unhandled webhook event", "event", evt.Event)
		return nil
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	dedupKey := evt.Event + ":" + digest

	if !e.dedup.Claim(ctx, dedupKey) {
		e.logger.Info("duplicate webhook delivery skipped", "event", evt.Event, "digest", digest)
		return nil
	}
	if err := handler(e, ctx, evt, digest); err != nil {
		e.dedup.Release(ctx, dedupKey)
		return err
	}
	return nil
}

func handleChargeWebhook(e *Engine, ctx context.Context, evt domain.WebhookEvent, digest string) error {
	ev := webhookBaseEvent(evt.Data)
	ev.Kind = evt.Event
	ev.Reference = evt.Data.ResolvedReference()

	if evt.Event == domain.EventChargeSuccess {
		ev.TxStatus = domain.TransactionSuccess
	} else {
		ev.TxStatus = domain.TransactionFailed
	}
	if ev.Amount == 0 && evt.Data.Transaction != nil {
		ev.Amount = evt.Data.Transaction.Amount
		ev.Currency = evt.Data.Transaction.Currency
	}
	setChargeKind(&ev, evt.Event+":"+digest)

	_, err := e.reconcileCharge(ctx, ev)
	if err != nil && ev.TxStatus == domain.TransactionSuccess {
		e.logDrift(ev.Reference, ev.SubscriptionCode, err)
	}
	return err
}

func handleSubscriptionWebhook(e *Engine, ctx context.Context, evt domain.WebhookEvent, digest string) error {
	ev := webhookBaseEvent(evt.Data)
	ev.Kind = evt.Event
	ev.Key = evt.Event + ":" + digest
	ev.Status = domain.ParseSubscriptionStatus(evt.Data.Status)
	if ev.SubscriptionCode == "" {
		return &domain.ValidationError{Field: "subscription_code", Message: "webhook payload has no subscription code"}
	}

	code, err := e.resolveSubscriptionCode(ctx, &ev)
	if err != nil {
		return err
	}
	if ev.Kind == domain.EventSubscriptionCreate {
		if err := e.fillUserID(ctx, &ev); err != nil {
			return err
		}
	}
	_, err = e.apply(ctx, code, ev)
	return err
}

func webhookBaseEvent(data domain.WebhookData) reconcileEvent {
	md := domain.ParseMetadata(data.Metadata)
	interval, _ := domain.ParseInterval(data.Plan.Interval)
	if interval == "" {
		interval, _ = domain.ParseInterval(md.String("interval"))
	}
	planCode := data.Plan.PlanCode
	if planCode == "" {
		planCode = md.String("planCode")
	}

	ev := reconcileEvent{
		SubscriptionCode: data.ResolvedSubscriptionCode(),
		UserID:           md.String("userId"),
		CustomerCode:     data.Customer.CustomerCode,
		CustomerEmail:    data.Customer.Email,
		EmailToken:       data.ResolvedEmailToken(),
		PlanCode:         planCode,
		PlanName:         data.Plan.Name,
		Amount:           data.Amount,
		Currency:         data.Currency,
		Interval:         interval,
		Channel:          data.Channel,
		GatewayResponse:  data.GatewayResponse,
		PaidAt:           data.PaidAt.Ptr(),
		NextPaymentDate:  data.NextPaymentDate.Ptr(),
		CreatedAt:        data.CreatedAt.Ptr(),
		Metadata:         md,
	}
	if ev.CreatedAt == nil {
		ev.CreatedAt = data.ChargedAt.Ptr()
	}
	if ev.NextPaymentDate == nil && data.Subscription != nil {
		ev.NextPaymentDate = data.Subscription.NextPaymentDate.Ptr()
	}
	if ev.Amount == 0 {
		ev.Amount = data.Plan.Amount
	}
	return ev
}
