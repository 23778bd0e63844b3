/**
 * @description
 * Payment transaction records. A transaction is one payment attempt against the
 * gateway; its status only ever moves forward.
 */
package domain

import (
	"strings"
	"time"
)

// TransactionStatus is the local view of a payment attempt.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// NormalizeTransactionStatus maps gateway transaction statuses onto the local set.
// Abandoned and ongoing payments are not final, so they stay pending.
func NormalizeTransactionStatus(raw string) TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful":
		return TransactionSuccess
	case "failed", "failure", "reversed":
		return TransactionFailed
	default:
		return TransactionPending
	}
}

// CanAdvanceTo reports whether a stored status may be replaced by next.
// success is terminal; failed may still become success; pending never overwrites.
func (s TransactionStatus) CanAdvanceTo(next TransactionStatus) bool {
	switch s {
	case TransactionSuccess:
		return false
	case TransactionFailed:
		return next == TransactionSuccess
	default:
		return next == TransactionSuccess || next == TransactionFailed
	}
}

// Transaction is one payment attempt, keyed by its reference.
type Transaction struct {
	Reference        string            `json:"reference"`
	SubscriptionCode string            `json:"subscriptionCode,omitempty"`
	UserID           string            `json:"userId,omitempty"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	Channel          string            `json:"channel,omitempty"`
	GatewayResponse  string            `json:"gatewayResponse,omitempty"`
	PaidAt           *time.Time        `json:"paidAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Merge folds an incoming observation of the same reference into the stored record.
func (t *Transaction) Merge(incoming *Transaction) {
	if t.Status.CanAdvanceTo(incoming.Status) {
		t.Status = incoming.Status
	}
	if t.SubscriptionCode == "" {
		t.SubscriptionCode = incoming.SubscriptionCode
	}
	if t.UserID == "" {
		t.UserID = incoming.UserID
	}
	if incoming.Channel != "" {
		t.Channel = incoming.Channel
	}
	if incoming.GatewayResponse != "" {
		t.GatewayResponse = incoming.GatewayResponse
	}
	if t.PaidAt == nil && incoming.PaidAt != nil {
		paid := *incoming.PaidAt
		t.PaidAt = &paid
	}
	if t.Amount == 0 {
		t.Amount = incoming.Amount
	}
	if t.Currency == "" {
		t.Currency = incoming.Currency
	}
}
