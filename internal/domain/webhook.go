/**
 * @description
 * This file defines the Go structs that model incoming payment gateway webhooks.
 * The envelope is `{event, data}`; `data` carries either a charge, a subscription
 * or an invoice depending on the event type, so the struct is the union of the
 * fields the reconciliation engine reads.
 *
 * @notes
 * - Gateway timestamps arrive as RFC 3339 strings, null or "", so they decode into FlexTime.
 * - `plan` is sometimes a bare plan code string and sometimes an object.
 */
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Webhook event types handled by the reconciliation engine.
const (
	EventChargeSuccess        = "charge.success"
	EventChargeFailed         = "charge.failed"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionCreate   = "subscription.create"
	EventSubscriptionDisable  = "subscription.disable"
	EventSubscriptionEnable   = "subscription.enable"
	EventSubscriptionNotRenew = "subscription.not_renew"
	EventSweepExpire          = "sweep.expire"
	EventInitialize           = "transaction.initialize"
)

// WebhookEvent is the top-level webhook envelope.
type WebhookEvent struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData is the union of the charge, subscription and invoice payloads.
type WebhookData struct {
	Reference        string          `json:"reference"`
	Status           string          `json:"status"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Channel          string          `json:"channel"`
	GatewayResponse  string          `json:"gateway_response"`
	PaidAt           FlexTime        `json:"paid_at"`
	SubscriptionCode string          `json:"subscription_code"`
	EmailToken       string          `json:"email_token"`
	NextPaymentDate  FlexTime        `json:"next_payment_date"`
	CreatedAt        FlexTime        `json:"createdAt"`
	ChargedAt        FlexTime        `json:"created_at"`
	Customer         GatewayCustomer `json:"customer"`
	Plan             GatewayPlan     `json:"plan"`
	Subscription     *struct {
		SubscriptionCode string   `json:"subscription_code"`
		EmailToken       string   `json:"email_token"`
		Status           string   `json:"status"`
		NextPaymentDate  FlexTime `json:"next_payment_date"`
	} `json:"subscription,omitempty"`
	Transaction *struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"transaction,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ResolvedSubscriptionCode returns the subscription code wherever the payload carries it.
func (d WebhookData) ResolvedSubscriptionCode() string {
	if d.SubscriptionCode != "" {
		return d.SubscriptionCode
	}
	if d.Subscription != nil {
		return d.Subscription.SubscriptionCode
	}
	return ""
}

// ResolvedReference returns the transaction reference, looking into invoice payloads.
func (d WebhookData) ResolvedReference() string {
	if d.Reference != "" {
		return d.Reference
	}
	if d.Transaction != nil {
		return d.Transaction.Reference
	}
	return ""
}

// ResolvedEmailToken returns the email token wherever the payload carries it.
func (d WebhookData) ResolvedEmailToken() string {
	if d.EmailToken != "" {
		return d.EmailToken
	}
	if d.Subscription != nil {
		return d.Subscription.EmailToken
	}
	return ""
}

// GatewayCustomer identifies the paying customer at the gateway.
type GatewayCustomer struct {
	CustomerCode string `json:"customer_code"`
	Email        string `json:"email"`
}

// GatewayPlan is the plan reference embedded in gateway payloads.
type GatewayPlan struct {
	PlanCode string `json:"plan_code"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Amount   int64  `json:"amount"`
}

// UnmarshalJSON accepts a plan object, a bare plan code string, null or {}.
func (p *GatewayPlan) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var code string
		if err := json.Unmarshal(b, &code); err != nil {
			return err
		}
		p.PlanCode = code
		return nil
	}
	type alias GatewayPlan
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = GatewayPlan(a)
	return nil
}

// FlexTime decodes gateway timestamps that may be null, empty or RFC 3339.
type FlexTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexTime) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" || trimmed == `""` {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Ptr returns nil for the zero time and a pointer to a copy otherwise.
func (t FlexTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
