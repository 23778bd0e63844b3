/**
 * @description
 * Client used by the scheduler-service to trigger housekeeping endpoints on the
 * subscription-service. Calls are authenticated with the shared internal API key.
 */
package subscriptionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
)

// Client is a client for the subscription service.
type Client struct {
	baseURL        string
	internalAPIKey string
	httpClient     *http.Client
}

// NewClient creates a new subscription service client.
func NewClient(baseURL, internalAPIKey string) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		internalAPIKey: internalAPIKey,
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// ReconcileStalePending asks the subscription service to re-verify stale pending subscriptions.
func (c *Client) ReconcileStalePending(ctx context.Context) (*domain.ReconcileSummary, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("subscription service base URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/subscriptions/reconcile", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.internalAPIKey != "" {
		req.Header.Set("X-Internal-API-Key", c.internalAPIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to subscription service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription service response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("subscription service returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var summary domain.ReconcileSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode reconcile summary: %w", err)
	}
	return &summary, nil
}
