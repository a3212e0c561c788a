// Package upstream is the signed RPC client the orchestrator uses to talk
// to the upstream coordinator: the source of truth for job existence, user
// debt, sealed credentials, and invoicing (spec §4.2, §6). Every call is
// HMAC-signed (internal/signing) and wrapped in retry-with-circuit-breaker
// the same way executor.go wraps its component calls in resilience.Retry.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/resilience"
	"github.com/unsaltedbutter/waitlist/internal/signing"
)

// Client calls the upstream coordinator's REST API (spec §6 endpoint list).
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *signing.Signer
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     core.Logger
}

// New builds an upstream client. logger may be nil.
func New(baseURL, hmacSecret string, logger core.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signer:     signing.NewSigner(hmacSecret),
		retry:      resilience.DefaultRetryConfig(),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultConfig()),
		logger:     logger,
	}
}

// ClaimRequest is the body of POST /api/jobs/claim.
type ClaimRequest struct {
	JobIDs []string `json:"job_ids"`
}

// ClaimResponse is upstream's reply: only claimed ids receive outreach.
type ClaimResponse struct {
	Claimed []string `json:"claimed"`
	Blocked []string `json:"blocked"`
}

// UserInfo is the subset of GET /api/users/{npub} the orchestrator needs.
type UserInfo struct {
	Npub      string `json:"npub"`
	DebtSats  int64  `json:"debt_sats"`
	PlanID    string `json:"plan_id"`
	PlanName  string `json:"plan_display_name"`
	Immediate bool   `json:"immediate"`
}

// SealedCredentials is the opaque-to-transport credential bundle returned
// by GET /api/credentials/{npub}/{service}; unsealing happens locally
// (spec §9 "Credential hygiene").
type SealedCredentials struct {
	Sealed map[string]string `json:"sealed"`
}

// InvoiceRequest is the body of POST /api/jobs/{id}/invoice.
type InvoiceRequest struct {
	AmountSats int64 `json:"amount_sats"`
}

// InvoiceResponse carries the invoice id the orchestrator hands to the user.
type InvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
}

// ActionLogRequest is the fire-and-forget completion record posted to
// upstream from handle_result (spec §4.1).
type ActionLogRequest struct {
	Success     bool                   `json:"success"`
	DurationMs  int64                  `json:"duration_ms"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Stats       map[string]interface{} `json:"stats,omitempty"`
	AccessEndAt *time.Time             `json:"access_end_at,omitempty"`
}

// PendingJobs returns jobs upstream has assigned to this orchestrator but
// not yet claimed (GET /api/jobs/pending).
func (c *Client) PendingJobs(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/pending", nil, &jobs)
	return jobs, err
}

// ClaimJobs submits the full pending list to upstream's claim RPC. Claim is
// idempotent: resubmitting an already-claimed id is a no-op upstream.
func (c *Client) ClaimJobs(ctx context.Context, jobIDs []string) (*ClaimResponse, error) {
	var resp ClaimResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/claim", ClaimRequest{JobIDs: jobIDs}, &resp)
	return &resp, err
}

// UpdateJobStatus transitions a job upstream. A terminal status is
// absorbing; upstream rejects further transitions with a 4xx that surfaces
// as model.ErrUpstreamRejection (spec §4.1 invariant).
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/jobs/%s/status", jobID), body, nil)
}

// GetUser fetches debt, plan tier, and the "immediate" flag for a user.
func (c *Client) GetUser(ctx context.Context, npub string) (*UserInfo, error) {
	var info UserInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/users/%s", npub), nil, &info)
	return &info, err
}

// GetCredentials fetches sealed credentials for a user/service pair.
// Unsealing happens in the caller, never in this client.
func (c *Client) GetCredentials(ctx context.Context, npub, serviceID string) (*SealedCredentials, error) {
	var creds SealedCredentials
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/credentials/%s/%s", npub, serviceID), nil, &creds)
	return &creds, err
}

// CreateInvoice asks upstream to issue a payable for a completed job.
func (c *Client) CreateInvoice(ctx context.Context, jobID string, amountSats int64) (*InvoiceResponse, error) {
	var resp InvoiceResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%s/invoice", jobID), InvoiceRequest{AmountSats: amountSats}, &resp)
	return &resp, err
}

// TerminalStatusRequest is the body of POST /api/jobs/terminal_statuses:
// "pull the latest terminal statuses for recently-active users" (spec §4.2
// "Reconciliation").
type TerminalStatusRequest struct {
	JobIDs []string `json:"job_ids"`
}

// TerminalStatusUpdate is one row of upstream's reconciliation feed: a job
// id upstream now considers terminal, and which terminal status it holds.
// Non-terminal ids are simply absent from the response.
type TerminalStatusUpdate struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// TerminalStatuses asks upstream which of the given (locally non-terminal)
// job ids it now considers terminal, for ReconcileCancelledJobs to apply.
func (c *Client) TerminalStatuses(ctx context.Context, jobIDs []string) ([]TerminalStatusUpdate, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	var updates []TerminalStatusUpdate
	err := c.do(ctx, http.MethodPost, "/api/jobs/terminal_statuses", TerminalStatusRequest{JobIDs: jobIDs}, &updates)
	return updates, err
}

// PostActionLog records a completion, fire-and-forget: callers should not
// block handle_result on this, per spec §4.1. It still goes through retry
// and the circuit breaker, but errors are for logging, not control flow.
func (c *Client) PostActionLog(ctx context.Context, jobID string, entry ActionLogRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%s/action_log", jobID), entry, nil)
}

// do performs one signed round trip. Transport failures and 5xx responses
// go through retry-with-circuit-breaker; a 4xx is upstream's authoritative
// answer (spec §4.1 "a terminal status is absorbing") and is returned
// as-is, without ever being retried, so callers can errors.Is it against
// model.ErrUpstreamRejection instead of seeing it buried behind
// resilience.ErrMaxRetriesExceeded.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respInto interface{}) error {
	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("upstream: marshal request body: %w", err)
		}
		bodyBytes = b
	}

	var rejection error
	retryErr := resilience.RetryWithCircuitBreaker(ctx, c.retry, c.breaker, func() error {
		rejection = nil

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("upstream: build request: %w", err)
		}
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := c.signer.ApplyHeaders(req, bodyBytes); err != nil {
			return fmt.Errorf("upstream: sign request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", model.ErrTransport, method, path, err)
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("upstream: read response body: %w", readErr)
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			rejection = fmt.Errorf("%w: %s %s: status %d: %s", model.ErrUpstreamRejection, method, path, resp.StatusCode, raw)
			return nil
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream: %s %s: status %d: %s", method, path, resp.StatusCode, raw)
		}

		if respInto != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, respInto); err != nil {
				return fmt.Errorf("upstream: decode response for %s %s: %w", method, path, err)
			}
		}
		return nil
	})
	if retryErr != nil {
		return retryErr
	}
	return rejection
}
