// Package client is a thin HTTP client for the payments API, used by
// the e2e runner.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds client configuration.
type Config struct {
	APIURL string
}

// AuthorizeRequest is the body for POST /api/v1/authorizations.
type AuthorizeRequest struct {
	MerchantID     string `json:"merchant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// AuthorizeResponse is the response body for an authorization.
type AuthorizeResponse struct {
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

// RefundRequest is the body for POST /api/v1/refunds.
type RefundRequest struct {
	MerchantID      string `json:"merchant_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	AuthorizationID string `json:"authorization_id"`
	Reason          string `json:"reason,omitempty"`
}

// RefundResponse is the response body for a refund.
type RefundResponse struct {
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

// Authorization is the read model from GET /api/v1/authorizations/{id}.
type Authorization struct {
	AuthorizationID string `json:"authorization_id"`
	MerchantID      string `json:"merchant_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UniqueID generates a unique ID for test isolation.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// Authorize creates an authorization. The replayed return reports
// whether the server absorbed the request as an idempotent retry.
func Authorize(ctx context.Context, cfg *Config, req *AuthorizeRequest) (*AuthorizeResponse, bool, error) {
	var resp AuthorizeResponse
	replayed, err := post(ctx, cfg.APIURL+"/api/v1/authorizations", req, http.StatusCreated, &resp)
	if err != nil {
		return nil, false, err
	}
	return &resp, replayed, nil
}

// Refund refunds an authorization. A conflict (already refunded)
// surfaces as an error carrying the 409 status text.
func Refund(ctx context.Context, cfg *Config, req *RefundRequest) (*RefundResponse, error) {
	var resp RefundResponse
	if _, err := post(ctx, cfg.APIURL+"/api/v1/refunds", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAuthorization retrieves an authorization, or nil when it does not
// exist.
func GetAuthorization(ctx context.Context, cfg *Config, merchantID, authorizationID string) (*Authorization, error) {
	url := fmt.Sprintf("%s/api/v1/authorizations/%s?merchant_id=%s", cfg.APIURL, authorizationID, merchantID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil // Not found is not an error
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errResp.Error)
	}

	var auth Authorization
	if err := json.Unmarshal(respBody, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &auth, nil
}

// WaitForStatus polls an authorization until it reaches the wanted
// status or the timeout elapses.
func WaitForStatus(ctx context.Context, cfg *Config, merchantID, authorizationID, status string, timeout time.Duration) (*Authorization, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		auth, err := GetAuthorization(ctx, cfg, merchantID, authorizationID)
		if err != nil {
			return nil, err
		}
		if auth != nil && auth.Status == status {
			return auth, nil
		}

		time.Sleep(250 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for authorization %s to reach %q", authorizationID, status)
}

// CheckHealth checks the health endpoint of the service.
func CheckHealth(ctx context.Context, url string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// post sends a JSON body, requires wantStatus, and reports whether the
// response carried the idempotent-replay marker.
func post(ctx context.Context, url string, body any, wantStatus int, out any) (bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		var errResp ErrorResponse
		json.Unmarshal(respBody, &errResp)
		return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errResp.Error)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return resp.Header.Get("Idempotent-Replay") == "true", nil
}
