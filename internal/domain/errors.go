/**
 * @description
 * Error taxonomy shared by the gateway client, the reconciliation engine and the
 * HTTP layer. The API maps each type onto exactly one family of status codes.
 */
package domain

import "fmt"

// Gateway error codes.
const (
	GatewayCodeUnavailable = "unavailable"
	GatewayCodeRejected    = "rejected"
	GatewayCodeMalformed   = "malformed_response"
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// GatewayError is the only error shape the gateway client returns.
type GatewayError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %s", e.Code, e.Message)
}

// IsClientFault reports whether the gateway rejected the request because of the
// caller's input (bad reference, wrong token) rather than its own failure.
func (e *GatewayError) IsClientFault() bool {
	return e.Code == GatewayCodeRejected &&
		e.HTTPStatus >= 400 && e.HTTPStatus < 500 &&
		e.HTTPStatus != 401 && e.HTTPStatus != 403 && e.HTTPStatus != 429
}

// NotFoundError reports an unknown subscription code, reference or plan.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// SignatureError reports a webhook whose signature did not verify.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "invalid webhook signature: " + e.Reason
}

// StoreConflictError is returned when the optimistic write kept losing races.
type StoreConflictError struct {
	SubscriptionCode string
	Attempts         int
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("subscription %s changed concurrently; gave up after %d attempts", e.SubscriptionCode, e.Attempts)
}

// RateLimitError reports that a caller exceeded the request budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "too many requests"
}
