package paystackclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "sk_test_secret", 2*time.Second)
}

func requireGatewayError(t *testing.T, err error, code string) *domain.GatewayError {
	t.Helper()
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *domain.GatewayError, got %T (%v)", err, err)
	}
	if gwErr.Code != code {
		t.Fatalf("expected gateway error code %q, got %q", code, gwErr.Code)
	}
	return gwErr
}

func TestInitializePaymentSendsBearerAndPlan(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/initialize" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["plan"] != "PLN_monthly" || body["email"] != "a@b.com" || body["amount"].(float64) != 500000 {
			t.Fatalf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"ref123"}}`))
	})

	result, err := client.InitializePayment(context.Background(), InitializeRequest{
		Email:  "a@b.com",
		Amount: 500000,
		Plan:   "PLN_monthly",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.AuthorizationURL == "" || result.Reference != "ref123" || result.AccessCode != "abc" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInitializePaymentRejectsMissingEmailLocally(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("gateway must not be called")
	})

	_, err := client.InitializePayment(context.Background(), InitializeRequest{Amount: 100})
	requireGatewayError(t, err, domain.GatewayCodeRejected)
}

func TestVerifyTransactionNormalizesResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/ref123" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{
			"reference":"ref123","status":"success","amount":500000,"currency":"NGN","channel":"card",
			"gateway_response":"Successful","paid_at":"2024-01-05T10:00:00.000Z",
			"customer":{"customer_code":"CUS_1","email":"a@b.com"},
			"plan":"PLN_monthly",
			"metadata":"{\"userId\":\"u1\"}"
		}}`))
	})

	result, err := client.VerifyTransaction(context.Background(), "ref123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Status != domain.TransactionSuccess || result.Amount != 500000 {
		t.Fatalf("unexpected status/amount %+v", result)
	}
	if result.PlanCode != "PLN_monthly" || result.Customer.CustomerCode != "CUS_1" {
		t.Fatalf("unexpected plan/customer %+v", result)
	}
	if result.Metadata.String("userId") != "u1" {
		t.Fatalf("expected string-encoded metadata to decode, got %v", result.Metadata)
	}
	if result.PaidAt == nil || result.PaidAt.Year() != 2024 {
		t.Fatalf("expected paid_at to parse, got %v", result.PaidAt)
	}
}

func TestVerifyTransactionKeepsAbandonedPending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"reference":"ref9","status":"abandoned","amount":500000,"paid_at":null,"plan":null,"metadata":""}}`))
	})

	result, err := client.VerifyTransaction(context.Background(), "ref9")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Status != domain.TransactionPending || result.GatewayStatus != "abandoned" {
		t.Fatalf("expected abandoned to stay pending, got %+v", result)
	}
	if result.PaidAt != nil || result.Metadata != nil {
		t.Fatalf("expected empty paid_at and metadata, got %+v", result)
	}
}

func TestGatewayFailuresAreNormalized(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		clientFault bool
	}{
		{name: "unknown reference", status: http.StatusBadRequest, body: `{"status":false,"message":"Transaction reference not found"}`, wantCode: domain.GatewayCodeRejected, clientFault: true},
		{name: "bad secret", status: http.StatusUnauthorized, body: `{"status":false,"message":"Invalid key"}`, wantCode: domain.GatewayCodeRejected},
		{name: "gateway outage", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, wantCode: domain.GatewayCodeUnavailable},
		{name: "garbage body", status: http.StatusOK, body: `not json`, wantCode: domain.GatewayCodeMalformed},
		{name: "status false on 200", status: http.StatusOK, body: `{"status":false,"message":"declined"}`, wantCode: domain.GatewayCodeRejected, clientFault: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.VerifyTransaction(context.Background(), "ref")
			gwErr := requireGatewayError(t, err, tt.wantCode)
			if gwErr.IsClientFault() != tt.clientFault {
				t.Fatalf("expected client fault %v, got %v (%+v)", tt.clientFault, gwErr.IsClientFault(), gwErr)
			}
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	client := NewClient(baseURL, "sk", time.Second)
	err := client.DisableSubscription(context.Background(), "SUB_1", "tok")
	requireGatewayError(t, err, domain.GatewayCodeUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := NewClient(srv.URL, "sk", 50*time.Millisecond)
	_, err := client.VerifyTransaction(context.Background(), "ref")
	requireGatewayError(t, err, domain.GatewayCodeUnavailable)
}

func TestCreatePlanMapsYearlyToAnnually(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["interval"] != "annually" {
			t.Fatalf("expected annually interval, got %v", body["interval"])
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Plan created","data":{"plan_code":"PLN_year","name":"Yearly","amount":5000000,"interval":"annually"}}`))
	})

	plan, err := client.CreatePlan(context.Background(), CreatePlanRequest{Name: "Yearly", Amount: 5000000, Interval: domain.IntervalYearly})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if plan.PlanCode != "PLN_year" {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestEnableSubscriptionSendsCodeAndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscription/enable" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body subscriptionToggle
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Code != "SUB_1" || body.Token != "tok" {
			t.Fatalf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Subscription enabled successfully"}`))
	})

	if err := client.EnableSubscription(context.Background(), "SUB_1", "tok"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
