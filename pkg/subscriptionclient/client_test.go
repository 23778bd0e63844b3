package subscriptionclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReconcileStalePendingSendsInternalKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/subscriptions/reconcile" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-API-Key"); got != "internal-key" {
			t.Fatalf("expected internal api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"checked":3,"activated":1,"expired":1,"skipped":1,"errors":0}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "internal-key")
	summary, err := client.ReconcileStalePending(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Checked != 3 || summary.Activated != 1 || summary.Expired != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestReconcileStalePendingSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "wrong")
	if _, err := client.ReconcileStalePending(context.Background()); err == nil {
		t.Fatalf("expected error for 401 response")
	}
}

func TestReconcileStalePendingRequiresBaseURL(t *testing.T) {
	client := NewClient("", "key")
	if _, err := client.ReconcileStalePending(context.Background()); err == nil {
		t.Fatalf("expected error without base URL")
	}
}
