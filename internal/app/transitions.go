/**
 * @description
 * The subscription state machine. Every gateway event (verification result,
 * webhook, local cancel/reactivate, housekeeping sweep) is normalized into a
 * reconcileEvent and routed through the transitions table below. Each entry is
 * a pure function of the current record, the event and the clock.
 *
 * @notes
 * - A transition returns nil when the event does not apply to the current state.
 *   Nothing is written in that case.
 * - State never moves backwards: creation events only fill identity fields on a
 *   record that is already past pending.
 */
package app

import (
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// Routing labels published as `subscription.<label>` after an applied transition.
const (
	labelActivated     = "activated"
	labelRenewed       = "renewed"
	labelCancelled     = "cancelled"
	labelReactivated   = "reactivated"
	labelPaymentFailed = "payment_failed"
	labelExpired       = "expired"
	labelCreated       = "created"
	labelNotRenewing   = "not_renewing"
)

// reconcileEvent is the normalized form of everything the engine reacts to.
type reconcileEvent struct {
	Kind string
	Key  string

	Reference        string
	SubscriptionCode string
	UserID           string
	CustomerCode     string
	CustomerEmail    string
	EmailToken       string
	PlanCode         string
	PlanName         string
	Amount           int64
	Currency         string
	Interval         domain.Interval
	Status           domain.SubscriptionStatus
	TxStatus         domain.TransactionStatus
	Channel          string
	GatewayResponse  string
	PaidAt           *time.Time
	NextPaymentDate  *time.Time
	CreatedAt        *time.Time
	Metadata         domain.Metadata

	// target is the subscription code the event is being applied to.
	target string
}

// transitionFunc computes the next state. current is nil when no record exists and
// is otherwise a private copy the function may mutate and return.
type transitionFunc func(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string)

var transitions = map[string]transitionFunc{
	domain.EventInitialize:           applyInitialize,
	domain.EventChargeSuccess:        applyChargeSuccess,
	domain.EventChargeFailed:         applyChargeFailed,
	domain.EventInvoicePaymentFailed: applyChargeFailed,
	domain.EventSubscriptionCreate:   applyCreate,
	domain.EventSubscriptionDisable:  applyDisable,
	domain.EventSubscriptionEnable:   applyEnable,
	domain.EventSubscriptionNotRenew: applyNotRenew,
	domain.EventSweepExpire:          applyExpire,
}

func applyInitialize(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current != nil {
		return nil, ""
	}
	return newSubscription(ev, domain.StatusPending, now), ""
}

func applyChargeSuccess(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil {
		sub := newSubscription(ev, domain.StatusPending, now)
		activate(sub, ev, now)
		return sub, labelActivated
	}

	fillIdentity(current, ev)
	initialCharge := ev.Reference != "" && current.InitialReference == ev.Reference

	switch current.Status {
	case domain.StatusPending:
		if current.InitialReference == "" {
			current.InitialReference = ev.Reference
		}
		activate(current, ev, now)
		return current, labelActivated

	case domain.StatusExpired:
		// Only a subscription that never started can be revived by its first payment.
		if current.StartDate == nil && (initialCharge || current.InitialReference == "") {
			activate(current, ev, now)
			return current, labelActivated
		}
		return nil, ""

	case domain.StatusActive, domain.StatusPaymentFailed:
		if initialCharge || (current.InitialReference == "" && current.LastPaymentDate == nil) {
			// First payment reported after the record was already activated by
			// subscription.create; record it without extending the period.
			if current.LastPaymentDate != nil {
				return nil, ""
			}
			current.InitialReference = ev.Reference
			current.LastPaymentDate = paidAtOrNow(ev, now)
			return current, ""
		}
		current.ExtendOnePeriod(now)
		current.Status = domain.StatusActive
		current.LastPaymentDate = paidAtOrNow(ev, now)
		return current, labelRenewed

	default:
		return nil, ""
	}
}

func applyChargeFailed(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil {
		return nil, ""
	}
	// A failed first attempt never touches a subscription that was later paid for.
	if ev.Reference != "" && ev.Reference == current.InitialReference {
		return nil, ""
	}
	if current.Status != domain.StatusActive {
		return nil, ""
	}
	// A failure from before the latest successful payment is an older attempt.
	if at := eventTime(ev); at != nil && current.LastPaymentDate != nil && !at.After(*current.LastPaymentDate) {
		return nil, ""
	}
	current.Status = domain.StatusPaymentFailed
	return current, labelPaymentFailed
}

func applyCreate(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	reported := ev.Status
	if reported == "" {
		reported = domain.StatusActive
	}

	if current == nil {
		sub := newSubscription(ev, reported, now)
		if reported == domain.StatusActive {
			startFromGateway(sub, ev, now)
		}
		return sub, labelCreated
	}

	changed := fillIdentity(current, ev)
	if current.Status == domain.StatusPending && reported != domain.StatusPending {
		current.Status = reported
		if reported == domain.StatusActive {
			if current.StartDate == nil {
				startFromGateway(current, ev, now)
			}
			return current, labelActivated
		}
		return current, labelCreated
	}
	if changed {
		return current, ""
	}
	return nil, ""
}

func applyDisable(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil {
		return nil, ""
	}
	if current.Status != domain.StatusActive && current.Status != domain.StatusPaymentFailed {
		return nil, ""
	}
	fillIdentity(current, ev)
	cancelledAt := now
	current.Status = domain.StatusCancelled
	current.CancelledAt = &cancelledAt
	current.AutoRenew = false
	return current, labelCancelled
}

func applyEnable(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil || current.Status != domain.StatusCancelled {
		return nil, ""
	}
	fillIdentity(current, ev)
	current.Status = domain.StatusActive
	current.CancelledAt = nil
	current.AutoRenew = true

	var next time.Time
	switch {
	case ev.NextPaymentDate != nil:
		next = *ev.NextPaymentDate
	case current.EndDate != nil && current.EndDate.After(now):
		next = *current.EndDate
	default:
		next = current.Interval.AddTo(now)
	}
	current.NextPaymentDate = &next
	return current, labelReactivated
}

func applyNotRenew(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil || !current.AutoRenew {
		return nil, ""
	}
	if current.Status == domain.StatusCancelled || current.Status == domain.StatusExpired {
		return nil, ""
	}
	fillIdentity(current, ev)
	current.AutoRenew = false
	return current, labelNotRenewing
}

func applyExpire(current *domain.Subscription, ev *reconcileEvent, now time.Time) (*domain.Subscription, string) {
	if current == nil || current.Status != domain.StatusPending {
		return nil, ""
	}
	current.Status = domain.StatusExpired
	return current, labelExpired
}

func newSubscription(ev *reconcileEvent, status domain.SubscriptionStatus, now time.Time) *domain.Subscription {
	currency := ev.Currency
	if currency == "" {
		currency = "NGN"
	}
	interval := ev.Interval
	if interval == "" {
		interval = domain.IntervalMonthly
	}
	return &domain.Subscription{
		SubscriptionCode: ev.target,
		UserID:           ev.UserID,
		CustomerCode:     ev.CustomerCode,
		CustomerEmail:    ev.CustomerEmail,
		EmailToken:       ev.EmailToken,
		PlanCode:         ev.PlanCode,
		PlanName:         ev.PlanName,
		Amount:           ev.Amount,
		Currency:         currency,
		Interval:         interval,
		Status:           status,
		InitialReference: ev.Reference,
		AutoRenew:        true,
		Metadata:         ev.Metadata.Clone(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// activate moves a record to active for its first successful payment.
func activate(sub *domain.Subscription, ev *reconcileEvent, now time.Time) {
	start := *paidAtOrNow(ev, now)
	end := sub.Interval.AddTo(start)
	next := end
	if ev.NextPaymentDate != nil {
		next = *ev.NextPaymentDate
	}
	paid := start
	sub.Status = domain.StatusActive
	sub.StartDate = &start
	sub.EndDate = &end
	sub.NextPaymentDate = &next
	sub.LastPaymentDate = &paid
	sub.CancelledAt = nil
}

// startFromGateway sets the period from a subscription payload, which carries the
// gateway's own next charge date instead of a payment time.
func startFromGateway(sub *domain.Subscription, ev *reconcileEvent, now time.Time) {
	start := now
	if ev.CreatedAt != nil {
		start = *ev.CreatedAt
	}
	end := sub.Interval.AddTo(start)
	if ev.NextPaymentDate != nil {
		end = *ev.NextPaymentDate
	}
	next := end
	sub.StartDate = &start
	sub.EndDate = &end
	sub.NextPaymentDate = &next
}

// fillIdentity copies gateway-issued identity fields the record does not have yet.
// The email token is replaced because the gateway rotates it.
func fillIdentity(sub *domain.Subscription, ev *reconcileEvent) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	set(&sub.UserID, ev.UserID)
	set(&sub.CustomerCode, ev.CustomerCode)
	set(&sub.CustomerEmail, ev.CustomerEmail)
	set(&sub.PlanCode, ev.PlanCode)
	set(&sub.PlanName, ev.PlanName)
	if ev.EmailToken != "" && sub.EmailToken != ev.EmailToken {
		sub.EmailToken = ev.EmailToken
		changed = true
	}
	if sub.Amount == 0 && ev.Amount > 0 {
		sub.Amount = ev.Amount
		changed = true
	}
	if sub.NextPaymentDate == nil && ev.NextPaymentDate != nil {
		next := *ev.NextPaymentDate
		sub.NextPaymentDate = &next
		changed = true
	}
	for k, v := range ev.Metadata {
		if _, ok := sub.Metadata[k]; ok {
			continue
		}
		if sub.Metadata == nil {
			sub.Metadata = domain.Metadata{}
		}
		sub.Metadata[k] = v
		changed = true
	}
	return changed
}

func paidAtOrNow(ev *reconcileEvent, now time.Time) *time.Time {
	t := now
	if ev.PaidAt != nil {
		t = *ev.PaidAt
	}
	return &t
}

// eventTime is when the gateway says a charge happened, or nil if it did not say.
func eventTime(ev *reconcileEvent) *time.Time {
	if ev.PaidAt != nil {
		return ev.PaidAt
	}
	return ev.CreatedAt
}
