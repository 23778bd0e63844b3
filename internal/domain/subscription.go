/**
 * @description
 * This file defines the core domain models for the subscription-service.
 * It includes the Subscription record that the reconciliation engine mutates,
 * its lifecycle statuses and billing intervals.
 */
package domain

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending       SubscriptionStatus = "pending"
	StatusActive        SubscriptionStatus = "active"
	StatusCancelled     SubscriptionStatus = "cancelled"
	StatusExpired       SubscriptionStatus = "expired"
	StatusPaymentFailed SubscriptionStatus = "payment_failed"
)

// ParseSubscriptionStatus maps a gateway-reported status onto the local lifecycle.
// Paystack reports "non-renewing" and "attention" for states we track differently.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "non-renewing":
		return StatusActive
	case "attention":
		return StatusPaymentFailed
	case "cancelled", "canceled", "disabled":
		return StatusCancelled
	case "completed", "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Interval is the billing period of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// ParseInterval normalizes gateway interval names. Only monthly and yearly plans are sold.
func ParseInterval(raw string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "monthly", "month":
		return IntervalMonthly, nil
	case "yearly", "annually", "annual", "year":
		return IntervalYearly, nil
	default:
		return "", fmt.Errorf("unsupported billing interval %q", raw)
	}
}

// AddTo returns t advanced by one billing period.
func (i Interval) AddTo(t time.Time) time.Time {
	if i == IntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// ProvisionalCodePrefix marks subscription codes minted locally before the gateway
// has issued the real subscription code.
const ProvisionalCodePrefix = "PENDING-"

// maxProcessedEvents bounds the idempotency marker list kept on each record.
const maxProcessedEvents = 50

// ProvisionalCode returns the local code used for a subscription initialized with reference.
func ProvisionalCode(reference string) string {
	return ProvisionalCodePrefix + reference
}

// Subscription represents one user's recurring-payment relationship with the platform.
type Subscription struct {
	SubscriptionCode string             `json:"subscriptionCode"`
	UserID           string             `json:"userId"`
	CustomerCode     string             `json:"customerCode,omitempty"`
	CustomerEmail    string             `json:"customerEmail,omitempty"`
	EmailToken       string             `json:"-"`
	PlanCode         string             `json:"planCode"`
	PlanName         string             `json:"planName"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Interval         Interval           `json:"interval"`
	Status           SubscriptionStatus `json:"status"`
	StartDate        *time.Time         `json:"startDate,omitempty"`
	NextPaymentDate  *time.Time         `json:"nextPaymentDate,omitempty"`
	EndDate          *time.Time         `json:"endDate,omitempty"`
	CancelledAt      *time.Time         `json:"cancelledAt,omitempty"`
	LastPaymentDate  *time.Time         `json:"lastPaymentDate,omitempty"`
	InitialReference string             `json:"initialReference,omitempty"`
	AutoRenew        bool               `json:"autoRenew"`
	Metadata         Metadata           `json:"metadata,omitempty"`
	ProcessedEvents  []string           `json:"-"`
	Revision         int64              `json:"-"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// IsProvisional reports whether the record still carries a locally minted code.
func (s *Subscription) IsProvisional() bool {
	return strings.HasPrefix(s.SubscriptionCode, ProvisionalCodePrefix)
}

// HasProcessed reports whether the event key was already applied to this record.
func (s *Subscription) HasProcessed(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.ProcessedEvents {
		if k == key {
			return true
		}
	}
	return false
}

// RecordEvent appends key to the processed-event marker, keeping the newest entries.
func (s *Subscription) RecordEvent(key string) {
	if key == "" || s.HasProcessed(key) {
		return
	}
	s.ProcessedEvents = append(s.ProcessedEvents, key)
	if n := len(s.ProcessedEvents); n > maxProcessedEvents {
		s.ProcessedEvents = append([]string(nil), s.ProcessedEvents[n-maxProcessedEvents:]...)
	}
}

// Clone returns a deep copy safe to mutate while computing the next state.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.StartDate = cloneTime(s.StartDate)
	c.NextPaymentDate = cloneTime(s.NextPaymentDate)
	c.EndDate = cloneTime(s.EndDate)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.LastPaymentDate = cloneTime(s.LastPaymentDate)
	c.Metadata = s.Metadata.Clone()
	c.ProcessedEvents = append([]string(nil), s.ProcessedEvents...)
	return &c
}

// ExtendOnePeriod pushes the paid-through date forward by one interval. The extension
// starts from the stored end date when it is still in the future so early renewals do
// not compound, and from now otherwise.
func (s *Subscription) ExtendOnePeriod(now time.Time) {
	base := now
	if s.EndDate != nil && s.EndDate.After(now) {
		base = *s.EndDate
	}
	end := s.Interval.AddTo(base)
	s.EndDate = &end
	next := end
	s.NextPaymentDate = &next
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SubscriptionEvent is the payload published to RabbitMQ after a lifecycle transition.
type SubscriptionEvent struct {
	SubscriptionCode string             `json:"subscription_code"`
	UserID           string             `json:"user_id"`
	Status           SubscriptionStatus `json:"status"`
	Event            string             `json:"event"`
	OccurredAt       time.Time          `json:"occurred_at"`
}
