package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/discovery"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/signing"
)

// executeRequest is the body of POST /execute (spec §4.3).
type executeRequest struct {
	JobID           string            `json:"job_id"`
	Service         string            `json:"service"`
	Action          string            `json:"action"`
	Credentials     map[string]string `json:"credentials"`
	PlanID          string            `json:"plan_id,omitempty"`
	PlanDisplayName string            `json:"plan_display_name,omitempty"`
	UserNpub        string            `json:"user_npub,omitempty"`
}

type otpRequest struct {
	JobID string `json:"job_id"`
	Code  string `json:"code"`
}

type credentialRequest struct {
	JobID          string `json:"job_id"`
	CredentialName string `json:"credential_name"`
	Value          string `json:"value"`
}

type abortRequest struct {
	JobID string `json:"job_id"`
}

// WorkerClient is the orchestrator-side RPC caller into the worker fleet,
// grounded on orchestration/executor.go's callComponentWithBody request
// style, picking a target via internal/discovery rather than a hardcoded
// address. It satisfies session.AgentDispatcher.
type WorkerClient struct {
	pool   *discovery.WorkerPool
	signer *signing.Signer
	http   *http.Client
	logger core.Logger

	mu      sync.Mutex
	rrIndex uint64
	jobAddr map[string]string // job id -> worker base URL, for OTP/credential/abort routing
}

// NewWorkerClient builds a WorkerClient over the given worker pool.
func NewWorkerClient(pool *discovery.WorkerPool, hmacSecret string, logger core.Logger) *WorkerClient {
	return &WorkerClient{
		pool:    pool,
		signer:  signing.NewSigner(hmacSecret),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		jobAddr: make(map[string]string),
	}
}

// RequestDispatch picks a worker and POSTs /execute, recording which worker
// owns the job so later OTP/credential/abort calls reach the same process.
func (w *WorkerClient) RequestDispatch(ctx context.Context, job *model.Job, credentials map[string]string) error {
	addr, err := w.pickWorker(ctx)
	if err != nil {
		return err
	}

	body := executeRequest{
		JobID:       job.ID,
		Service:     job.ServiceID,
		Action:      string(job.Action),
		Credentials: credentials,
		UserNpub:    job.UserNpub,
	}
	if job.PlanID != nil {
		body.PlanID = *job.PlanID
	}
	if job.PlanDisplayName != nil {
		body.PlanDisplayName = *job.PlanDisplayName
	}

	status, _, err := w.post(ctx, addr+"/execute", body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return fmt.Errorf("worker %s rejected job %s: %w", addr, job.ID, model.ErrWorkerCapacity)
	}
	if status != http.StatusOK {
		return fmt.Errorf("worker %s: unexpected status %d dispatching job %s", addr, status, job.ID)
	}

	w.mu.Lock()
	w.jobAddr[job.ID] = addr
	w.mu.Unlock()
	return nil
}

// RelayOTP POSTs /otp to the worker that owns jobID.
func (w *WorkerClient) RelayOTP(ctx context.Context, jobID, code string) error {
	addr, ok := w.addrFor(jobID)
	if !ok {
		return fmt.Errorf("worker client: no worker recorded for job %s", jobID)
	}
	status, _, err := w.post(ctx, addr+"/otp", otpRequest{JobID: jobID, Code: code})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("worker %s: job %s has no pending otp request", addr, jobID)
	}
	return nil
}

// RelayCredential POSTs /credential to the worker that owns jobID.
func (w *WorkerClient) RelayCredential(ctx context.Context, jobID, credentialName, value string) error {
	addr, ok := w.addrFor(jobID)
	if !ok {
		return fmt.Errorf("worker client: no worker recorded for job %s", jobID)
	}
	status, _, err := w.post(ctx, addr+"/credential", credentialRequest{JobID: jobID, CredentialName: credentialName, Value: value})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("worker %s: job %s has no pending credential request", addr, jobID)
	}
	return nil
}

// Abort POSTs /abort to the worker that owns jobID and forgets the mapping.
func (w *WorkerClient) Abort(ctx context.Context, jobID string) error {
	addr, ok := w.addrFor(jobID)
	if !ok {
		return nil
	}
	_, _, err := w.post(ctx, addr+"/abort", abortRequest{JobID: jobID})
	w.mu.Lock()
	delete(w.jobAddr, jobID)
	w.mu.Unlock()
	return err
}

func (w *WorkerClient) addrFor(jobID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, ok := w.jobAddr[jobID]
	return addr, ok
}

// pickWorker round-robins across the currently discoverable worker fleet.
func (w *WorkerClient) pickWorker(ctx context.Context) (string, error) {
	workers, err := w.pool.Workers(ctx)
	if err != nil {
		return "", fmt.Errorf("worker client: discover workers: %w", err)
	}
	if len(workers) == 0 {
		return "", fmt.Errorf("worker client: %w: no workers registered", model.ErrWorkerCapacity)
	}
	n := atomic.AddUint64(&w.rrIndex, 1)
	chosen := workers[int(n)%len(workers)]
	return discovery.AddressOf(chosen), nil
}

func (w *WorkerClient) post(ctx context.Context, url string, payload interface{}) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("worker client: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("worker client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := w.signer.ApplyHeaders(req, raw); err != nil {
		return 0, nil, fmt.Errorf("worker client: sign request: %w", err)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", model.ErrTransport, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("worker client: read response from %s: %w", url, err)
	}
	return resp.StatusCode, respBody, nil
}
