package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/app"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

type stubService struct {
	SubscriptionService

	err          error
	initialized  *app.InitializeRequest
	cancelToken  string
	reconcileHit bool
	verifiedSub  *domain.Subscription
}

func (s *stubService) Initialize(ctx context.Context, req app.InitializeRequest) (*app.InitializeResponse, error) {
	s.initialized = &req
	if s.err != nil {
		return nil, s.err
	}
	return &app.InitializeResponse{AuthorizationURL: "https://checkout.example/abc", AccessCode: "abc", Reference: "ref-1"}, nil
}

func (s *stubService) Verify(ctx context.Context, reference string) (*app.VerifyResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &app.VerifyResponse{Status: domain.TransactionSuccess, Reference: reference, Subscription: s.verifiedSub}, nil
}

func (s *stubService) Get(ctx context.Context, code string) (*domain.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Subscription{SubscriptionCode: code, UserID: "u1", Status: domain.StatusActive}, nil
}

func (s *stubService) Cancel(ctx context.Context, code, token string) (*domain.Subscription, error) {
	s.cancelToken = token
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Subscription{SubscriptionCode: code, UserID: "u1", Status: domain.StatusCancelled}, nil
}

func (s *stubService) ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error) {
	s.reconcileHit = true
	return &domain.ReconcileSummary{Checked: 2, Activated: 1, Expired: 1}, nil
}

type stubVerifier struct{ err error }

func (v stubVerifier) Verify(body []byte, signature string) error { return v.err }

type stubProcessor struct {
	calls int
	err   error
}

func (p *stubProcessor) HandleWebhook(ctx context.Context, body []byte) error {
	p.calls++
	return p.err
}

func newTestRouter(svc *stubService, verifier SignatureVerifier, processor WebhookProcessor) http.Handler {
	return NewRouter(NewHandler(svc), NewWebhookHandler(verifier, processor), "", "internal-secret")
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Success {
		t.Fatalf("expected success=false")
	}
	return body.Error
}

func TestInitializeReturnsCreated(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, stubVerifier{}, &stubProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/initialize", strings.NewReader(`{"email":"a@b.com","planCode":"monthly","userId":"u1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if svc.initialized == nil || svc.initialized.PlanCode != "monthly" {
		t.Fatalf("expected request to reach the service, got %+v", svc.initialized)
	}
	var resp app.InitializeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.AuthorizationURL == "" {
		t.Fatalf("expected authorization URL in body, got %+v (%v)", resp, err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "validation", err: &domain.ValidationError{Field: "email", Message: "email is required"}, wantStatus: http.StatusBadRequest},
		{name: "not found", err: &domain.NotFoundError{Resource: "plan", ID: "weekly"}, wantStatus: http.StatusNotFound},
		{name: "gateway unavailable", err: &domain.GatewayError{Code: domain.GatewayCodeUnavailable, Message: "timeout"}, wantStatus: http.StatusBadGateway},
		{name: "gateway server rejection", err: &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "bad key", HTTPStatus: 401}, wantStatus: http.StatusBadGateway},
		{name: "gateway client fault", err: &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "Invalid token", HTTPStatus: 400}, wantStatus: http.StatusBadRequest},
		{name: "store conflict", err: &domain.StoreConflictError{SubscriptionCode: "SUB_1", Attempts: 3}, wantStatus: http.StatusServiceUnavailable},
		{name: "rate limited", err: &domain.RateLimitError{RetryAfterSeconds: 30}, wantStatus: http.StatusTooManyRequests},
		{name: "unexpected", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{err: tt.err}, stubVerifier{}, &stubProcessor{})
			req := httptest.NewRequest(http.MethodPost, "/subscriptions/initialize", strings.NewReader(`{"email":"a@b.com","planCode":"monthly","userId":"u1"}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if msg := decodeError(t, rec); msg == "" {
				t.Fatalf("expected an error message")
			}
			if tt.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "30" {
				t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCancelPassesToken(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, stubVerifier{}, &stubProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/SUB_1/cancel", strings.NewReader(`{"token":"tok_1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.cancelToken != "tok_1" {
		t.Fatalf("expected token to be forwarded, got %q", svc.cancelToken)
	}
}

func TestAuthenticatedCallerCannotActForAnotherUser(t *testing.T) {
	svc := &stubService{}
	handler := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/initialize", strings.NewReader(`{"email":"a@b.com","planCode":"monthly","userId":"someone-else"}`))
	req = req.WithContext(context.WithValue(req.Context(), UserIDContextKey, "u1"))
	rec := httptest.NewRecorder()
	handler.handleInitialize(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if svc.initialized != nil {
		t.Fatalf("expected service not to be called")
	}
}

func TestVerifyHidesAnotherUsersSubscription(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		status int
	}{
		{name: "own reference", owner: "u1", status: http.StatusOK},
		{name: "another user's reference", owner: "u2", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{verifiedSub: &domain.Subscription{SubscriptionCode: "SUB_1", UserID: tt.owner, Status: domain.StatusActive}}
			handler := NewHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/subscriptions/verify", strings.NewReader(`{"reference":"ref-1"}`))
			req = req.WithContext(context.WithValue(req.Context(), UserIDContextKey, "u1"))
			rec := httptest.NewRecorder()
			handler.handleVerify(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusForbidden && strings.Contains(rec.Body.String(), "SUB_1") {
				t.Fatalf("expected subscription to be withheld, got %s", rec.Body.String())
			}
		})
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, stubVerifier{}, &stubProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/internal/subscriptions/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || svc.reconcileHit {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/subscriptions/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", "internal-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !svc.reconcileHit {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	var summary domain.ReconcileSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil || summary.Checked != 2 {
		t.Fatalf("expected summary body, got %+v (%v)", summary, err)
	}
}

func TestWebhookRejectsBadSignatureWithoutProcessing(t *testing.T) {
	processor := &stubProcessor{}
	router := newTestRouter(&stubService{}, stubVerifier{err: &domain.SignatureError{Reason: "signature mismatch"}}, processor)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"event":"charge.success","data":{}}`))
	req.Header.Set("x-paystack-signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if processor.calls != 0 {
		t.Fatalf("expected no processing, got %d calls", processor.calls)
	}
}

func TestWebhookAcknowledgesProcessingFailures(t *testing.T) {
	processor := &stubProcessor{err: errors.New("db down")}
	router := newTestRouter(&stubService{}, stubVerifier{}, processor)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"event":"charge.success","data":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if processor.calls != 1 {
		t.Fatalf("expected one processing call, got %d", processor.calls)
	}
}

func TestWebhookWithRealVerifier(t *testing.T) {
	verifier := app.NewWebhookVerifier("whsec")
	processor := &stubProcessor{}
	router := newTestRouter(&stubService{}, verifier, processor)
	body := `{"event":"subscription.disable","data":{"subscription_code":"SUB_1"}}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	req.Header.Set("x-paystack-signature", verifier.Sign([]byte(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || processor.calls != 1 {
		t.Fatalf("expected signed webhook to be processed, got %d with %d calls", rec.Code, processor.calls)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body+" "))
	req.Header.Set("x-paystack-signature", verifier.Sign([]byte(body)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || processor.calls != 1 {
		t.Fatalf("expected altered body to be rejected, got %d with %d calls", rec.Code, processor.calls)
	}
}
