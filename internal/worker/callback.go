package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unsaltedbutter/waitlist/internal/signing"
)

// OrchestratorCallbackClient is the worker-side caller into the
// orchestrator's callback endpoints (spec §4.3/§6): POST
// /callback/otp-needed, /callback/credential-needed, /callback/result.
// Built the same way internal/jobs.WorkerClient and internal/upstream.Client
// sign and send requests, just pointed the other direction.
type OrchestratorCallbackClient struct {
	baseURL string
	signer  *signing.Signer
	http    *http.Client
}

func NewOrchestratorCallbackClient(baseURL, hmacSecret string) *OrchestratorCallbackClient {
	return &OrchestratorCallbackClient{
		baseURL: baseURL,
		signer:  signing.NewSigner(hmacSecret),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type otpNeededBody struct {
	JobID   string `json:"job_id"`
	Service string `json:"service"`
}

type credentialNeededBody struct {
	JobID          string `json:"job_id"`
	Service        string `json:"service"`
	CredentialName string `json:"credential_name"`
}

type resultBody struct {
	JobID           string  `json:"job_id"`
	Success         bool    `json:"success"`
	AccessEndDate   string  `json:"access_end_date,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (c *OrchestratorCallbackClient) NotifyOTPNeeded(ctx context.Context, jobID, service string) error {
	return c.post(ctx, "/callback/otp-needed", otpNeededBody{JobID: jobID, Service: service})
}

func (c *OrchestratorCallbackClient) NotifyCredentialNeeded(ctx context.Context, jobID, service, credentialName string) error {
	return c.post(ctx, "/callback/credential-needed", credentialNeededBody{JobID: jobID, Service: service, CredentialName: credentialName})
}

func (c *OrchestratorCallbackClient) NotifyResult(ctx context.Context, r *Result) error {
	return c.post(ctx, "/callback/result", resultBody{
		JobID:           r.JobID,
		Success:         r.Success,
		AccessEndDate:   r.AccessEndDate,
		Error:           r.Error,
		ErrorCode:       r.ErrorCode,
		DurationSeconds: r.DurationSeconds,
	})
}

func (c *OrchestratorCallbackClient) post(ctx context.Context, path string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callback client: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("callback client: build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.ApplyHeaders(req, raw); err != nil {
		return fmt.Errorf("callback client: sign request %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("callback client: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback client: %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}
	return nil
}
