package session

import (
	"context"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

// AgentDispatcher is everything the state machine needs from the worker
// fleet, generalizing orchestrator/session.py's single-worker AgentClient
// (execute/relay_otp/relay_credential/abort) into a call against one of
// several worker processes. Implemented by *jobs.WorkerClient, which
// round-robins across live workers from internal/discovery.WorkerPool; Session only ever
// calls RequestDispatch once jobs.Manager's own dispatch gate (spec §4.2's
// N_worker + dispatch_queue) has already granted a slot.
type AgentDispatcher interface {
	// RequestDispatch hands job+credentials to a worker slot, or returns
	// model.ErrWorkerCapacity if no slot is free. It does not queue the job.
	RequestDispatch(ctx context.Context, job *model.Job, credentials map[string]string) error
	RelayOTP(ctx context.Context, jobID, code string) error
	RelayCredential(ctx context.Context, jobID, credentialName, value string) error
	Abort(ctx context.Context, jobID string) error
}

// CredentialDecryptor unseals credentials fetched from upstream. The
// sealing/unsealing cryptography itself is out of scope (spec §2); this
// interface exists so Session can be built and tested without it.
type CredentialDecryptor interface {
	Decrypt(sealed map[string]string) (map[string]string, error)
}

// PassthroughDecryptor treats sealed values as already-plaintext. It exists
// only so the system runs end to end before a real unsealing scheme is
// wired in; production deployments must supply a real CredentialDecryptor.
type PassthroughDecryptor struct{}

// Decrypt returns sealed unchanged.
func (PassthroughDecryptor) Decrypt(sealed map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(sealed))
	for k, v := range sealed {
		out[k] = v
	}
	return out, nil
}
