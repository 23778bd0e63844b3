/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, building request bodies and normalizing responses.
 *
 * @notes
 * - Every failure leaves this package as a *domain.GatewayError. Transport
 *   failures (timeout, DNS, refused connection) carry the code "unavailable".
 * - Amounts are always sent in kobo.
 */
package paystackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// DefaultBaseURL is the production Paystack API.
const DefaultBaseURL = "https://api.paystack.co"

// Client is a client for the Paystack API.
type Client struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	HTTPClient  *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// envelope is the response wrapper Paystack puts around every payload.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeRequest is the payload for starting a subscription payment.
type InitializeRequest struct {
	Email     string          `json:"email"`
	Amount    int64           `json:"amount"`
	Plan      string          `json:"plan,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Callback  string          `json:"callback_url,omitempty"`
	Metadata  domain.Metadata `json:"metadata,omitempty"`
}

// InitializeResult is what the payer needs to complete the payment at the gateway.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// TransactionResult is the normalized outcome of a transaction verification.
type TransactionResult struct {
	Reference       string
	Status          domain.TransactionStatus
	GatewayStatus   string
	Amount          int64
	Currency        string
	Channel         string
	GatewayResponse string
	PaidAt          *time.Time
	CreatedAt       *time.Time
	Customer        domain.GatewayCustomer
	PlanCode        string
	Metadata        domain.Metadata
}

// verifyData mirrors the parts of the verify payload the engine uses.
type verifyData struct {
	Reference       string                 `json:"reference"`
	Status          string                 `json:"status"`
	Amount          int64                  `json:"amount"`
	Currency        string                 `json:"currency"`
	Channel         string                 `json:"channel"`
	GatewayResponse string                 `json:"gateway_response"`
	PaidAt          domain.FlexTime        `json:"paid_at"`
	CreatedAt       domain.FlexTime        `json:"created_at"`
	Customer        domain.GatewayCustomer `json:"customer"`
	Plan            domain.GatewayPlan     `json:"plan"`
	PlanObject      domain.GatewayPlan     `json:"plan_object"`
	Metadata        json.RawMessage        `json:"metadata"`
}

// CreatePlanRequest is the payload for creating a recurring plan.
type CreatePlanRequest struct {
	Name        string          `json:"name"`
	Amount      int64           `json:"amount"`
	Interval    domain.Interval `json:"-"`
	Description string          `json:"description,omitempty"`
	Currency    string          `json:"currency,omitempty"`
}

// PlanResult is the gateway's view of a created plan.
type PlanResult struct {
	PlanCode string `json:"plan_code"`
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Interval string `json:"interval"`
	Currency string `json:"currency"`
}

// subscriptionToggle is the body of the disable and enable endpoints.
type subscriptionToggle struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}

// InitializePayment starts a transaction for the given plan and returns the authorization URL.
func (c *Client) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if strings.TrimSpace(req.Email) == "" {
		return nil, &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "email is required", HTTPStatus: http.StatusBadRequest}
	}
	if req.Amount <= 0 {
		return nil, &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "amount must be positive", HTTPStatus: http.StatusBadRequest}
	}
	if req.Callback == "" {
		req.Callback = c.CallbackURL
	}

	var result InitializeResult
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", req, &result); err != nil {
		return nil, err
	}
	if result.AuthorizationURL == "" || result.Reference == "" {
		return nil, malformed("initialize", "response is missing authorization_url or reference")
	}
	return &result, nil
}

// VerifyTransaction fetches the current gateway-side state of a transaction.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*TransactionResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "reference is required", HTTPStatus: http.StatusBadRequest}
	}

	var data verifyData
	if err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" || data.Status == "" {
		return nil, malformed("verify", "response is missing reference or status")
	}

	planCode := data.Plan.PlanCode
	if planCode == "" {
		planCode = data.PlanObject.PlanCode
	}
	return &TransactionResult{
		Reference:       data.Reference,
		Status:          domain.NormalizeTransactionStatus(data.Status),
		GatewayStatus:   data.Status,
		Amount:          data.Amount,
		Currency:        data.Currency,
		Channel:         data.Channel,
		GatewayResponse: data.GatewayResponse,
		PaidAt:          data.PaidAt.Ptr(),
		CreatedAt:       data.CreatedAt.Ptr(),
		Customer:        data.Customer,
		PlanCode:        planCode,
		Metadata:        domain.ParseMetadata(data.Metadata),
	}, nil
}

// CreatePlan creates a recurring plan at the gateway.
func (c *Client) CreatePlan(ctx context.Context, req CreatePlanRequest) (*PlanResult, error) {
	if req.Amount <= 0 {
		return nil, &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "amount must be positive", HTTPStatus: http.StatusBadRequest}
	}
	payload := struct {
		CreatePlanRequest
		Interval string `json:"interval"`
	}{
		CreatePlanRequest: req,
		Interval:          gatewayInterval(req.Interval),
	}

	var result PlanResult
	if err := c.do(ctx, "create_plan", http.MethodPost, "/plan", payload, &result); err != nil {
		return nil, err
	}
	if result.PlanCode == "" {
		return nil, malformed("create_plan", "response is missing plan_code")
	}
	return &result, nil
}

// DisableSubscription stops future charges on a subscription.
func (c *Client) DisableSubscription(ctx context.Context, code, token string) error {
	return c.do(ctx, "disable_subscription", http.MethodPost, "/subscription/disable", subscriptionToggle{Code: code, Token: token}, nil)
}

// EnableSubscription resumes charges on a previously disabled subscription.
func (c *Client) EnableSubscription(ctx context.Context, code, token string) error {
	return c.do(ctx, "enable_subscription", http.MethodPost, "/subscription/enable", subscriptionToggle{Code: code, Token: token}, nil)
}

// do is the generic helper that executes a request and decodes the data field into out.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: fmt.Sprintf("failed to marshal %s request: %v", op, err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &domain.GatewayError{Code: domain.GatewayCodeUnavailable, Message: fmt.Sprintf("failed to create %s request: %v", op, err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=paystack_client op=%s msg=\"request failed\" err=%v", op, err)
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("level=warn component=paystack_client op=%s status=%d msg=\"failed to read response\" err=%v", op, resp.StatusCode, err)
		return unavailable(op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(bodyBytes, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			message = env.Message
		}
		log.Printf("level=warn component=paystack_client op=%s status=%d message=%q", op, resp.StatusCode, message)
		code := domain.GatewayCodeRejected
		if resp.StatusCode >= 500 {
			code = domain.GatewayCodeUnavailable
		}
		return &domain.GatewayError{Code: code, Message: message, HTTPStatus: resp.StatusCode}
	}

	if decodeErr != nil {
		log.Printf("level=warn component=paystack_client op=%s status=%d msg=\"unparsable response body\"", op, resp.StatusCode)
		return malformed(op, "response body is not valid JSON")
	}
	if !env.Status {
		log.Printf("level=warn component=paystack_client op=%s status=%d message=%q msg=\"gateway reported failure\"", op, resp.StatusCode, env.Message)
		return &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: env.Message, HTTPStatus: http.StatusBadRequest}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return malformed(op, "response is missing data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		log.Printf("level=warn component=paystack_client op=%s msg=\"failed to decode data\" err=%v", op, err)
		return malformed(op, "failed to decode response data")
	}
	return nil
}

func unavailable(op string, err error) *domain.GatewayError {
	message := fmt.Sprintf("%s request failed: %v", op, err)
	if errors.Is(err, context.DeadlineExceeded) {
		message = op + " request timed out"
	}
	return &domain.GatewayError{Code: domain.GatewayCodeUnavailable, Message: message}
}

func malformed(op, message string) *domain.GatewayError {
	return &domain.GatewayError{Code: domain.GatewayCodeMalformed, Message: op + ": " + message}
}

func gatewayInterval(i domain.Interval) string {
	if i == domain.IntervalYearly {
		return "annually"
	}
	return "monthly"
}
