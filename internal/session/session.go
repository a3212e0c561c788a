// Package session implements the per-user conversation state machine
// (spec §4.1), directly grounded on original_source/orchestrator/session.py:
// one active session per user, six states, all transitions serialized per
// user by an advisory lock (userlock.go) so that inbound DMs, worker
// callbacks, timer fires, and upstream pushes cannot interleave within a
// single user's flow.
package session

import (
	"context"
	"fmt"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

// Session is the per-user conversation state machine.
type Session struct {
	store      *store.Store
	upstream   Upstream
	dispatcher AgentDispatcher
	decryptor  CredentialDecryptor
	dm         DMSender
	cfg        *config.Config
	logger     core.Logger

	locks *userLocks

	// pendingCredentials tracks which named credential a user's next reply
	// fills, keyed by user npub. It is process memory only (spec §4.1:
	// "the state persists in memory, not in the session row").
	pendingCredentials syncMapString
}

// New builds a Session. logger may be nil.
func New(st *store.Store, up Upstream, dispatcher AgentDispatcher, decryptor CredentialDecryptor, dm DMSender, cfg *config.Config, logger core.Logger) *Session {
	return &Session{
		store:      st,
		upstream:   up,
		dispatcher: dispatcher,
		decryptor:  decryptor,
		dm:         dm,
		cfg:        cfg,
		logger:     logger,
		locks:      newUserLocks(),
	}
}

// GetState returns the user's current state, StateIdle if no session row exists.
func (s *Session) GetState(userNpub string) (model.SessionState, error) {
	sess, err := s.store.GetSession(userNpub)
	if err == store.ErrNotFound {
		return model.StateIdle, nil
	}
	if err != nil {
		return "", err
	}
	return sess.State, nil
}

// IsBusy reports whether the user has a non-idle session.
func (s *Session) IsBusy(userNpub string) (bool, error) {
	state, err := s.GetState(userNpub)
	if err != nil {
		return false, err
	}
	return state != model.StateIdle, nil
}

func (s *Session) withLock(userNpub string, fn func() error) error {
	lk := s.locks.lockFor(userNpub)
	lk.Lock()
	defer lk.Unlock()
	return fn()
}

func (s *Session) warn(msg string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}

// HandleYes fulfills "user says yes to outreach", going straight to
// EXECUTING (the OTP_CONFIRM warning lives in the outreach copy itself;
// see DESIGN.md "otp-confirm-state" for why OTP_CONFIRM still exists as a
// reachable state via ConfirmAndDispatch).
func (s *Session) HandleYes(ctx context.Context, userNpub, jobID string) error {
	return s.withLock(userNpub, func() error {
		return s.executeJob(ctx, userNpub, jobID)
	})
}

// ConfirmAndDispatch is the dispatch gate's entry point (see
// jobs.Manager.DispatchJob): OTP_CONFIRM -> EXECUTING once a worker slot is
// available. The gate calls this under its own lock, so the worker HTTP call
// inside executeJob runs while that lock is held (see DESIGN.md
// "otp-confirm-state").
func (s *Session) ConfirmAndDispatch(ctx context.Context, userNpub, jobID string) error {
	return s.withLock(userNpub, func() error {
		if err := s.store.PutSession(&model.Session{UserNpub: userNpub, State: model.StateOTPConfirm, JobID: jobID}); err != nil {
			return err
		}
		return s.executeJob(ctx, userNpub, jobID)
	})
}

// ConfirmDecline handles the user declining the OTP_CONFIRM prompt.
func (s *Session) ConfirmDecline(ctx context.Context, userNpub string) error {
	return s.withLock(userNpub, func() error {
		if err := s.store.DeleteSession(userNpub); err != nil {
			return err
		}
		return s.dm.SendDM(ctx, userNpub, msgSessionCancelled())
	})
}

// executeJob is the shared body of HandleYes/ConfirmAndDispatch: fetch and
// unseal credentials, persist EXECUTING, flip the job active upstream and
// locally, dispatch through the gate, arm OTP_TIMEOUT. Must be called with
// the user's lock already held.
func (s *Session) executeJob(ctx context.Context, userNpub, jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err == store.ErrNotFound {
		s.warn("executeJob: job not found locally", map[string]interface{}{"job_id": jobID})
		return s.dm.SendDM(ctx, userNpub, msgErrorGeneric())
	}
	if err != nil {
		return err
	}

	sealed, err := s.upstream.GetCredentials(ctx, userNpub, job.ServiceID)
	if err != nil || sealed == nil || len(sealed.Sealed) == 0 {
		return s.dm.SendDM(ctx, userNpub, msgNoCredentials(job.ServiceID, s.cfg.UpstreamBaseURL))
	}

	creds, err := s.decryptor.Decrypt(sealed.Sealed)
	if err != nil {
		s.warn("executeJob: decrypt failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return s.dm.SendDM(ctx, userNpub, msgErrorGeneric())
	}

	if err := s.store.PutSession(&model.Session{UserNpub: userNpub, State: model.StateExecuting, JobID: jobID, OTPAttempts: 0}); err != nil {
		return err
	}
	if err := s.dm.SendDM(ctx, userNpub, msgExecuting(job.ServiceID, string(job.Action))); err != nil {
		s.warn("executeJob: send dm failed", map[string]interface{}{"error": err.Error()})
	}

	if !model.IsCLIJob(jobID) {
		if err := s.upstream.UpdateJobStatus(ctx, jobID, model.JobActive); err != nil {
			s.warn("executeJob: upstream rejected active transition", map[string]interface{}{"job_id": jobID, "error": err.Error()})
			_ = s.dm.SendDM(ctx, userNpub, msgErrorGeneric())
			return s.store.DeleteSession(userNpub)
		}
	}
	if err := s.store.UpdateJobStatus(jobID, model.JobActive); err != nil {
		return err
	}

	if err := s.dispatcher.RequestDispatch(ctx, job, creds); err != nil {
		return s.failJob(ctx, userNpub, job, fmt.Sprintf("dispatch rejected: %v", err), "")
	}

	return s.store.ScheduleTimer(&model.Timer{Type: model.TimerOTPTimeout, TargetID: jobID, FireAt: timerDeadline(s.cfg.OTPTimeout)})
}

// HandleOTPNeeded is the worker callback "needs OTP code": EXECUTING -> AWAITING_OTP.
func (s *Session) HandleOTPNeeded(ctx context.Context, jobID, service, prompt string) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		sess.State = model.StateAwaitingOTP
		if err := s.store.PutSession(sess); err != nil {
			return err
		}
		if err := s.dm.SendDM(ctx, userNpub, msgOTPNeeded(service, prompt)); err != nil {
			s.warn("otp_needed: send dm failed", map[string]interface{}{"error": err.Error()})
		}
		_ = s.store.CancelTimer(model.TimerOTPTimeout, jobID)
		return s.store.ScheduleTimer(&model.Timer{Type: model.TimerOTPTimeout, TargetID: jobID, FireAt: timerDeadline(s.cfg.OTPTimeout)})
	})
}

// HandleOTPInput is the user's reply with OTP digits: AWAITING_OTP -> EXECUTING.
func (s *Session) HandleOTPInput(ctx context.Context, userNpub, code string) error {
	return s.withLock(userNpub, func() error {
		sess, err := s.store.GetSession(userNpub)
		if err == store.ErrNotFound || sess.State != model.StateAwaitingOTP {
			s.warn("otp_input: unexpected state", map[string]interface{}{"user": userNpub})
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.dispatcher.RelayOTP(ctx, sess.JobID, code); err != nil {
			return err
		}

		sess.State = model.StateExecuting
		sess.OTPAttempts++
		if err := s.store.PutSession(sess); err != nil {
			return err
		}
		_ = s.store.CancelTimer(model.TimerOTPTimeout, sess.JobID)
		// No explicit message log write here: the messaging adapter already
		// logged the inbound DM with redaction (spec §4.1).
		return s.dm.SendDM(ctx, userNpub, msgOTPReceived())
	})
}

// HandleCredentialNeeded is the worker callback "needs a named credential":
// EXECUTING -> AWAITING_CREDENTIAL.
func (s *Session) HandleCredentialNeeded(ctx context.Context, jobID, service, credentialName string) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		s.pendingCredentials.store(userNpub, credentialName)

		sess.State = model.StateAwaitingCredential
		if err := s.store.PutSession(sess); err != nil {
			return err
		}
		if err := s.dm.SendDM(ctx, userNpub, msgCredentialNeeded(service, credentialName)); err != nil {
			s.warn("credential_needed: send dm failed", map[string]interface{}{"error": err.Error()})
		}
		_ = s.store.CancelTimer(model.TimerOTPTimeout, jobID)
		return s.store.ScheduleTimer(&model.Timer{Type: model.TimerOTPTimeout, TargetID: jobID, FireAt: timerDeadline(s.cfg.OTPTimeout)})
	})
}

// HandleCredentialInput is the user's reply with a credential value:
// AWAITING_CREDENTIAL -> EXECUTING.
func (s *Session) HandleCredentialInput(ctx context.Context, userNpub, value string) error {
	return s.withLock(userNpub, func() error {
		sess, err := s.store.GetSession(userNpub)
		if err == store.ErrNotFound || sess.State != model.StateAwaitingCredential {
			s.warn("credential_input: unexpected state", map[string]interface{}{"user": userNpub})
			return nil
		}
		if err != nil {
			return err
		}

		credentialName := s.pendingCredentials.loadAndDelete(userNpub)
		if credentialName == "" {
			credentialName = "unknown"
		}

		if err := s.dispatcher.RelayCredential(ctx, sess.JobID, credentialName, value); err != nil {
			return err
		}

		sess.State = model.StateExecuting
		if err := s.store.PutSession(sess); err != nil {
			return err
		}
		_ = s.store.CancelTimer(model.TimerOTPTimeout, sess.JobID)
		return s.dm.SendDM(ctx, userNpub, msgCredentialReceived())
	})
}

// HandleResult is the worker callback reporting job completion.
func (s *Session) HandleResult(ctx context.Context, jobID string, success bool, accessEndDate, errText, errorCode string, durationMs int64, stats map[string]interface{}) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		_ = s.store.CancelTimer(model.TimerOTPTimeout, jobID)

		job, err := s.store.GetJob(jobID)
		if err == store.ErrNotFound {
			return s.store.DeleteSession(userNpub)
		}
		if err != nil {
			return err
		}

		if success {
			if err := s.onResultSuccess(ctx, userNpub, job, accessEndDate); err != nil {
				return err
			}
		} else {
			if err := s.failJob(ctx, userNpub, job, errText, errorCode); err != nil {
				return err
			}
		}

		if !model.IsCLIJob(jobID) {
			go func() {
				entry := upstream.ActionLogRequest{Success: success, DurationMs: durationMs, ErrorCode: errorCode, Error: errText, Stats: stats}
				if err := s.upstream.PostActionLog(context.Background(), jobID, entry); err != nil {
					s.warn("handle_result: action log post failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
				}
			}()
		}
		return nil
	})
}

func (s *Session) onResultSuccess(ctx context.Context, userNpub string, job *model.Job, accessEndDate string) error {
	if job.Action == model.ActionCancel {
		_ = s.dm.SendDM(ctx, userNpub, msgActionSuccessCancel(job.ServiceID, accessEndDate))
	} else {
		_ = s.dm.SendDM(ctx, userNpub, msgActionSuccessResume(job.ServiceID))
	}

	if model.IsCLIJob(job.ID) {
		if err := s.store.UpdateJobStatus(job.ID, model.JobCompletedPaid); err != nil {
			return err
		}
		return s.store.DeleteSession(userNpub)
	}

	invoice, err := s.upstream.CreateInvoice(ctx, job.ID, s.cfg.ActionPriceSats)
	if err != nil {
		return s.failJob(ctx, userNpub, job, fmt.Sprintf("invoice creation failed: %v", err), "")
	}

	if err := s.store.SetInvoice(job.ID, s.cfg.ActionPriceSats, invoice.InvoiceID); err != nil {
		return err
	}
	if accessEndDate != "" {
		if t, perr := parseRFC3339(accessEndDate); perr == nil {
			_ = s.store.SetAccessEndDate(job.ID, t)
		}
	}

	_ = s.dm.SendDM(ctx, userNpub, msgInvoiceAmount(s.cfg.ActionPriceSats))
	_ = s.dm.SendDM(ctx, userNpub, msgInvoiceBolt11(invoice.InvoiceID))

	if err := s.store.PutSession(&model.Session{UserNpub: userNpub, State: model.StateInvoiceSent, JobID: job.ID}); err != nil {
		return err
	}
	return s.store.ScheduleTimer(&model.Timer{Type: model.TimerPaymentExpiry, TargetID: job.ID, FireAt: timerDeadline(s.cfg.PaymentExpiry)})
}

// failJob is the common failure path: differentiated user DM, operator
// notification in two bubbles, session close (spec §4.1/§9 "Propagation policy").
func (s *Session) failJob(ctx context.Context, userNpub string, job *model.Job, errText, errorCode string) error {
	if !model.IsCLIJob(job.ID) {
		if err := s.upstream.UpdateJobStatus(ctx, job.ID, model.JobFailed); err != nil {
			s.warn("fail_job: upstream status update failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
	}
	if err := s.store.UpdateJobStatus(job.ID, model.JobFailed); err != nil {
		return err
	}

	var dm string
	if errorCode == "credential_invalid" {
		dm = msgActionFailedCredentials(job.ServiceID, string(job.Action))
	} else {
		dm = msgActionFailed(job.ServiceID, string(job.Action))
	}
	_ = s.dm.SendDM(ctx, userNpub, dm)

	if !model.IsCLIJob(job.ID) {
		_ = s.dm.SendDMBubbles(ctx, s.cfg.OperatorNpub, msgOperatorJobFailed(job.ID, job.ServiceID, errText), userNpub)
	}

	return s.store.DeleteSession(userNpub)
}

// HandlePaymentReceived is the upstream push notification: INVOICE_SENT -> IDLE.
func (s *Session) HandlePaymentReceived(ctx context.Context, jobID string, amountSats int64) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		_ = s.store.CancelTimer(model.TimerPaymentExpiry, jobID)
		if err := s.store.UpdateJobStatus(jobID, model.JobCompletedPaid); err != nil {
			return err
		}
		_ = s.dm.SendDM(ctx, userNpub, msgPaymentReceived(amountSats))
		return s.store.DeleteSession(userNpub)
	})
}

// HandlePaymentExpired fires from PAYMENT_EXPIRY or an upstream push: INVOICE_SENT -> IDLE.
func (s *Session) HandlePaymentExpired(ctx context.Context, jobID string) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		if err := s.upstream.UpdateJobStatus(ctx, jobID, model.JobCompletedReneged); err != nil {
			s.warn("payment_expired: upstream status update failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}
		if err := s.store.UpdateJobStatus(jobID, model.JobCompletedReneged); err != nil {
			return err
		}

		serviceID := "unknown"
		if job, err := s.store.GetJob(jobID); err == nil {
			serviceID = job.ServiceID
		}

		var debtSats int64
		if user, err := s.upstream.GetUser(ctx, userNpub); err == nil {
			debtSats = user.DebtSats
		}

		_ = s.dm.SendDM(ctx, userNpub, msgPaymentExpired(serviceID, debtSats))
		return s.store.DeleteSession(userNpub)
	})
}

// HandleOTPTimeout fires when the OTP_TIMEOUT timer expires while
// AWAITING_OTP or AWAITING_CREDENTIAL: abort the worker, mark user_abandon, close session.
func (s *Session) HandleOTPTimeout(ctx context.Context, jobID string) error {
	return s.withJobSession(ctx, jobID, func(userNpub string, sess *model.Session) error {
		if sess.State != model.StateAwaitingOTP && sess.State != model.StateAwaitingCredential {
			s.warn("otp_timeout: unexpected state", map[string]interface{}{"user": userNpub, "state": string(sess.State)})
			return nil
		}

		if err := s.dispatcher.Abort(ctx, jobID); err != nil {
			s.warn("otp_timeout: abort failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}
		if err := s.upstream.UpdateJobStatus(ctx, jobID, model.JobUserAbandon); err != nil {
			s.warn("otp_timeout: upstream status update failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}
		if err := s.store.UpdateJobStatus(jobID, model.JobUserAbandon); err != nil {
			return err
		}
		_ = s.dm.SendDM(ctx, userNpub, msgOTPTimeout())
		return s.store.DeleteSession(userNpub)
	})
}

// HandleCLIDispatch bypasses the outreach/consent path for an
// operator-dispatched job: insert a local job, create session in
// EXECUTING, dispatch, arm OTP_TIMEOUT.
func (s *Session) HandleCLIDispatch(ctx context.Context, userNpub, serviceID string, action model.Action, credentials map[string]string, jobID, planID, planDisplayName string) error {
	return s.withLock(userNpub, func() error {
		job := &model.Job{
			ID:        jobID,
			UserNpub:  userNpub,
			ServiceID: serviceID,
			Action:    action,
			Trigger:   model.TriggerCLI,
			Status:    model.JobActive,
		}
		if planID != "" {
			job.PlanID = &planID
		}
		if planDisplayName != "" {
			job.PlanDisplayName = &planDisplayName
		}
		if err := s.store.InsertJob(job); err != nil {
			return err
		}

		if err := s.store.PutSession(&model.Session{UserNpub: userNpub, State: model.StateExecuting, JobID: jobID}); err != nil {
			return err
		}

		if err := s.dispatcher.RequestDispatch(ctx, job, credentials); err != nil {
			_ = s.store.DeleteSession(userNpub)
			return err
		}

		return s.store.ScheduleTimer(&model.Timer{Type: model.TimerOTPTimeout, TargetID: jobID, FireAt: timerDeadline(s.cfg.OTPTimeout)})
	})
}

// CancelSession force-closes a session (e.g. the user sends "cancel" mid-flow).
func (s *Session) CancelSession(ctx context.Context, userNpub string) error {
	return s.withLock(userNpub, func() error {
		sess, err := s.store.GetSession(userNpub)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		if sess.JobID != "" {
			switch sess.State {
			case model.StateExecuting, model.StateAwaitingOTP, model.StateAwaitingCredential:
				if err := s.dispatcher.Abort(ctx, sess.JobID); err != nil {
					s.warn("cancel_session: abort failed", map[string]interface{}{"job_id": sess.JobID, "error": err.Error()})
				}
			}
			_ = s.store.CancelTimer(model.TimerOTPTimeout, sess.JobID)
			_ = s.store.CancelTimer(model.TimerPaymentExpiry, sess.JobID)
		}

		return s.store.DeleteSession(userNpub)
	})
}

// withJobSession locates the session for jobID (scanning by session row,
// since worker callbacks only carry a job id) and runs fn with the owning
// user's lock held.
func (s *Session) withJobSession(ctx context.Context, jobID string, fn func(userNpub string, sess *model.Session) error) error {
	userNpub, err := s.store.UserForJob(jobID)
	if err == store.ErrNotFound {
		s.warn("no session for job", map[string]interface{}{"job_id": jobID})
		return nil
	}
	if err != nil {
		return err
	}

	return s.withLock(userNpub, func() error {
		sess, err := s.store.GetSession(userNpub)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.JobID != jobID {
			return nil
		}
		return fn(userNpub, sess)
	})
}

