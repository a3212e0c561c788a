package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// credentialDelivery is what RelayCredential hands to a waiting ActiveJob.
type credentialDelivery struct {
	name  string
	value string
}

// ActiveJob tracks one in-flight automation, mirroring the ActiveJob
// dataclass of original_source/agent/server.py (job_id, service, action,
// plan_id, task, otp_future, credential_future, started_at). The Python
// asyncio.Future pair becomes a pair of single-slot buffered channels: the
// executor goroutine blocks on a channel receive with a deadline instead of
// awaiting a future.
type ActiveJob struct {
	JobID           string
	Service         string
	Action          string
	PlanID          string
	PlanDisplayName string
	UserNpub        string
	StartedAt       time.Time

	cancel context.CancelFunc

	mu       sync.Mutex
	otpWait  chan string
	credWait chan credentialDelivery
}

func newActiveJob(jobID, service, action, planID, planDisplayName, userNpub string, cancel context.CancelFunc) *ActiveJob {
	return &ActiveJob{
		JobID:           jobID,
		Service:         service,
		Action:          action,
		PlanID:          planID,
		PlanDisplayName: planDisplayName,
		UserNpub:        userNpub,
		StartedAt:       time.Now().UTC(),
		cancel:          cancel,
	}
}

// ElapsedSeconds reports how long this job has been running, for /health.
func (a *ActiveJob) ElapsedSeconds() float64 {
	return time.Since(a.StartedAt).Seconds()
}

// awaitOTP opens a slot for one pending OTP code and blocks until it arrives,
// ctx is cancelled, or deadline elapses.
func (a *ActiveJob) awaitOTP(ctx context.Context, deadline time.Duration) (string, error) {
	a.mu.Lock()
	if a.otpWait != nil {
		a.mu.Unlock()
		return "", fmt.Errorf("worker: job %s already has a pending otp request", a.JobID)
	}
	ch := make(chan string, 1)
	a.otpWait = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.otpWait = nil
		a.mu.Unlock()
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("worker: job %s timed out waiting for otp", a.JobID)
	}
}

// deliverOTP fulfills a pending OTP slot. Returns false if nothing was pending.
func (a *ActiveJob) deliverOTP(code string) bool {
	a.mu.Lock()
	ch := a.otpWait
	a.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- code:
		return true
	default:
		return false
	}
}

// awaitCredential mirrors awaitOTP for a named credential.
func (a *ActiveJob) awaitCredential(ctx context.Context, deadline time.Duration) (credentialDelivery, error) {
	a.mu.Lock()
	if a.credWait != nil {
		a.mu.Unlock()
		return credentialDelivery{}, fmt.Errorf("worker: job %s already has a pending credential request", a.JobID)
	}
	ch := make(chan credentialDelivery, 1)
	a.credWait = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.credWait = nil
		a.mu.Unlock()
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return credentialDelivery{}, ctx.Err()
	case <-timer.C:
		return credentialDelivery{}, fmt.Errorf("worker: job %s timed out waiting for credential", a.JobID)
	}
}

func (a *ActiveJob) deliverCredential(d credentialDelivery) bool {
	a.mu.Lock()
	ch := a.credWait
	a.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

func (a *ActiveJob) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}
