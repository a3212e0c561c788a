// Package orchestrator wires the conversation state machine (internal/session)
// and the job lifecycle manager (internal/jobs) to the two feeds that drive
// them at runtime: inbound DMs/pushes off the messaging transport, and the
// poll/timer tick. Neither internal/session nor internal/jobs parses an
// inbound message itself — original_source/orchestrator/ has no top-level
// entrypoint file to port this from (only session.py and its tests), so
// Router is modeled after session.py's command dispatch described in spec
// §4.1/§4.2 rather than a specific Python module.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/messaging"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
)

// sessionRouter narrows internal/session.Session to what Router calls.
type sessionRouter interface {
	GetState(userNpub string) (model.SessionState, error)
	HandleOTPInput(ctx context.Context, userNpub, code string) error
	HandleCredentialInput(ctx context.Context, userNpub, value string) error
	CancelSession(ctx context.Context, userNpub string) error
	HandlePaymentReceived(ctx context.Context, jobID string, amountSats int64) error
	HandlePaymentExpired(ctx context.Context, jobID string) error
}

// jobGate narrows internal/jobs.Manager to what Router calls.
type jobGate interface {
	GetActiveJobForUser(ctx context.Context, userNpub string) (*model.Job, error)
	DispatchJob(ctx context.Context, userNpub, jobID string) error
	HandleSkip(ctx context.Context, userNpub, jobID string) error
	HandleSnooze(ctx context.Context, userNpub, jobID string) error
}

// Router maps each inbound DM to the state-machine or job-manager call it
// represents: a push from the upstream coordinator, an OTP/credential
// reply, or a keyword reply to outreach.
type Router struct {
	session         sessionRouter
	jobs            jobGate
	coordinatorNpub string
	logger          core.Logger
}

// NewRouter builds a Router. coordinatorNpub identifies which sender on the
// messaging transport is the upstream coordinator's push channel rather
// than a user; pass "" to disable push handling (e.g. in tests).
func NewRouter(session sessionRouter, jobs jobGate, coordinatorNpub string, logger core.Logger) *Router {
	return &Router{session: session, jobs: jobs, coordinatorNpub: coordinatorNpub, logger: logger}
}

func (r *Router) warn(msg string, fields map[string]interface{}) {
	if r.logger != nil {
		r.logger.Warn(msg, fields)
	}
}

// HandleInbound dispatches one messaging.Inbound to its handler.
func (r *Router) HandleInbound(ctx context.Context, msg messaging.Inbound) error {
	if r.coordinatorNpub != "" && msg.UserNpub == r.coordinatorNpub {
		return r.handlePush(ctx, msg.Body)
	}
	return r.handleUserMessage(ctx, msg.UserNpub, msg.Body)
}

// pushEnvelope is the upstream push wire shape (spec §6: "carries JSON of
// the form {type, data}").
type pushEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type jobPaymentReceivedData struct {
	JobID      string `json:"job_id"`
	AmountSats int64  `json:"amount_sats"`
}

type jobPaymentExpiredData struct {
	JobID string `json:"job_id"`
}

// handlePush applies an advisory push from the coordinator. Pushes are
// advisory only (spec §6: "authoritative state is reconciled by poll"), so a
// malformed or unrecognized push is logged and dropped rather than failing
// the inbound message loop.
func (r *Router) handlePush(ctx context.Context, body string) error {
	var env pushEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		r.warn("orchestrator: malformed push", map[string]interface{}{"error": err.Error()})
		return nil
	}

	switch env.Type {
	case "job_payment_received":
		var d jobPaymentReceivedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.warn("orchestrator: malformed job_payment_received", map[string]interface{}{"error": err.Error()})
			return nil
		}
		return r.session.HandlePaymentReceived(ctx, d.JobID, d.AmountSats)
	case "job_payment_expired":
		var d jobPaymentExpiredData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.warn("orchestrator: malformed job_payment_expired", map[string]interface{}{"error": err.Error()})
			return nil
		}
		return r.session.HandlePaymentExpired(ctx, d.JobID)
	case "audio_payment_received", "invite_ready":
		// Neither is job-scoped in this data model; noted for operator
		// visibility only, per spec §6's "advisory" push semantics.
		r.warn("orchestrator: advisory push noted, no handler", map[string]interface{}{"type": env.Type})
		return nil
	default:
		r.warn("orchestrator: unknown push type", map[string]interface{}{"type": env.Type})
		return nil
	}
}

// cancelWords are the synonyms a busy user can reply with to abort whatever
// is in flight (spec §4.1's "no"/cancel family).
var cancelWords = map[string]bool{"no": true, "cancel": true, "stop": true}

// handleUserMessage routes a plain-text DM body by the user's current
// session state (spec §4.1: a reply means something different in every state).
func (r *Router) handleUserMessage(ctx context.Context, userNpub, body string) error {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)

	state, err := r.session.GetState(userNpub)
	if err != nil {
		return err
	}

	switch state {
	case model.StateAwaitingOTP:
		return r.session.HandleOTPInput(ctx, userNpub, trimmed)
	case model.StateAwaitingCredential:
		return r.session.HandleCredentialInput(ctx, userNpub, trimmed)
	case model.StateIdle:
		return r.handleOutreachReply(ctx, userNpub, lower)
	default:
		// OTP_CONFIRM/EXECUTING/INVOICE_SENT: only a cancel is meaningful
		// while a job is running or an invoice is outstanding.
		if cancelWords[lower] {
			return r.session.CancelSession(ctx, userNpub)
		}
		return nil
	}
}

// handleOutreachReply matches the outreach keyword vocabulary (spec §4.2
// "User actions on outreach") against the user's outreach-eligible job, if any.
func (r *Router) handleOutreachReply(ctx context.Context, userNpub, lower string) error {
	job, err := r.jobs.GetActiveJobForUser(ctx, userNpub)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	switch {
	case lower == "yes":
		return r.jobs.DispatchJob(ctx, userNpub, job.ID)
	case lower == "skip" || cancelWords[lower]:
		return r.jobs.HandleSkip(ctx, userNpub, job.ID)
	case lower == "snooze":
		return r.jobs.HandleSnooze(ctx, userNpub, job.ID)
	default:
		return nil
	}
}
