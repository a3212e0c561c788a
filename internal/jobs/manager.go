// Package jobs implements the job lifecycle manager: it polls the upstream
// coordinator, claims work, drives outreach cadence, owns the timer queue,
// and bounds agent concurrency behind a single dispatch gate (spec §4.2).
// Reconstructed from original_source/orchestrator/tests/test_job_manager.py,
// the source module itself being absent from the retrieval pack.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

// Upstream narrows internal/upstream.Client to what the job manager calls,
// the same pattern internal/session uses for its own Upstream interface.
// *upstream.Client satisfies this directly.
type Upstream interface {
	PendingJobs(ctx context.Context) ([]*model.Job, error)
	ClaimJobs(ctx context.Context, jobIDs []string) (*upstream.ClaimResponse, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	GetUser(ctx context.Context, npub string) (*upstream.UserInfo, error)
}

// sessionHandlers narrows internal/session.Session to what the job manager
// drives directly: dispatch once a gate slot is free, and the timer/queue
// handlers that belong to the conversation state machine rather than the
// job manager itself.
type sessionHandlers interface {
	ConfirmAndDispatch(ctx context.Context, userNpub, jobID string) error
	HandleYes(ctx context.Context, userNpub, jobID string) error
	HandleOTPTimeout(ctx context.Context, jobID string) error
	HandlePaymentExpired(ctx context.Context, jobID string) error
}

// DMSender narrows the messaging transport to the single call the job
// manager makes directly (outreach, skip/snooze acks, debt notices).
type DMSender interface {
	SendDM(ctx context.Context, userNpub, body string) error
}

// Manager owns the dispatch gate, outreach cadence, and timer routing for
// every job in flight. The actual worker RPC lives behind session.Session's
// own AgentDispatcher (see workerclient.go); Manager only ever reaches the
// worker indirectly, through ConfirmAndDispatch, while holding the gate's lock.
type Manager struct {
	store    *store.Store
	upstream Upstream
	session  sessionHandlers
	dm       DMSender
	cfg      *config.Config
	logger   core.Logger

	mu              sync.Mutex // dispatch_lock: protects activeAgentJobs and dispatchQueue together (spec §4.2)
	activeAgentJobs map[string]bool
	dispatchQueue   []string

	immMu     sync.Mutex
	immediate map[string]bool
}

// New builds a Manager wired to its store, upstream client, and the
// session state machine it drives through the dispatch gate. sess's own
// worker dispatch goes through *WorkerClient (session.AgentDispatcher), not
// through Manager, so construction order is acyclic: discovery.WorkerPool,
// then WorkerClient, then Session, then Manager.
func New(st *store.Store, up Upstream, sess sessionHandlers, dm DMSender, cfg *config.Config, logger core.Logger) *Manager {
	return &Manager{
		store:           st,
		upstream:        up,
		session:         sess,
		dm:              dm,
		cfg:             cfg,
		logger:          logger,
		activeAgentJobs: make(map[string]bool),
		immediate:       make(map[string]bool),
	}
}

func (m *Manager) warn(msg string, fields map[string]interface{}) {
	if m.logger != nil {
		m.logger.Warn(msg, fields)
	}
}

// AgentSlotAvailable reports whether the dispatch gate currently has room
// for another concurrent agent job.
func (m *Manager) AgentSlotAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeAgentJobs) < m.cfg.MaxConcurrentAgentJobs
}

// DispatchJob is the dispatch gate (spec §4.2's request_dispatch): under
// dispatch_lock, if a slot is free, the job is added to the active set and
// dispatched immediately — the dispatch itself (which does blocking HTTP
// through the session state machine) runs while the lock is held, per the
// spec's explicit requirement. Otherwise the job is appended to
// dispatch_queue and the user is told how long the wait will be.
func (m *Manager) DispatchJob(ctx context.Context, userNpub, jobID string) error {
	m.mu.Lock()
	if len(m.activeAgentJobs) < m.cfg.MaxConcurrentAgentJobs {
		m.activeAgentJobs[jobID] = true
		err := m.session.ConfirmAndDispatch(ctx, userNpub, jobID)
		m.mu.Unlock()
		return err
	}
	m.dispatchQueue = append(m.dispatchQueue, jobID)
	position := len(m.dispatchQueue)
	m.mu.Unlock()

	etaMinutes := position * 5
	return m.dm.SendDM(ctx, userNpub, msgQueuedETA(etaMinutes))
}

// OnJobComplete frees jobID's agent slot and, if anything is queued, tries
// to dispatch the next eligible job into the freed slot.
func (m *Manager) OnJobComplete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.activeAgentJobs, jobID)
	if len(m.dispatchQueue) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.tryDispatchNextLocked(ctx)
	return err
}

// TryDispatchNext pops the front of dispatch_queue and dispatches the first
// job still known locally, skipping any that vanished in the meantime
// (reconciled away while queued). Returns whether anything was dispatched.
func (m *Manager) TryDispatchNext(ctx context.Context) (bool, error) {
	return m.tryDispatchNextLocked(ctx)
}

func (m *Manager) tryDispatchNextLocked(ctx context.Context) (bool, error) {
	for {
		m.mu.Lock()
		if len(m.dispatchQueue) == 0 || len(m.activeAgentJobs) >= m.cfg.MaxConcurrentAgentJobs {
			m.mu.Unlock()
			return false, nil
		}
		jobID := m.dispatchQueue[0]
		m.dispatchQueue = m.dispatchQueue[1:]

		job, err := m.store.GetJob(jobID)
		if err == store.ErrNotFound {
			m.mu.Unlock()
			continue // vanished while queued; try the next one
		}
		if err != nil {
			m.mu.Unlock()
			return false, err
		}

		m.activeAgentJobs[jobID] = true
		dispatchErr := m.session.ConfirmAndDispatch(ctx, job.UserNpub, jobID)
		m.mu.Unlock()
		return true, dispatchErr
	}
}

// MarkImmediate flags a job for the immediate-tier bypass: its outreach
// skips the DM entirely and goes straight to the dispatch path, the same
// way a "yes" reply would.
func (m *Manager) MarkImmediate(jobID string) {
	m.immMu.Lock()
	m.immediate[jobID] = true
	m.immMu.Unlock()
}

func (m *Manager) isImmediate(jobID string) bool {
	m.immMu.Lock()
	defer m.immMu.Unlock()
	return m.immediate[jobID]
}

// PollAndClaim fetches upstream's pending job list, claims it, caches
// claimed jobs locally, and sends outreach for each one. Blocked jobs are
// never cached.
func (m *Manager) PollAndClaim(ctx context.Context) ([]*model.Job, error) {
	pending, err := m.upstream.PendingJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: poll pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	byID := make(map[string]*model.Job, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
		byID[j.ID] = j
	}

	claimed, err := m.upstream.ClaimJobs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim jobs: %w", err)
	}

	var accepted []*model.Job
	for _, id := range claimed.Claimed {
		j, ok := byID[id]
		if !ok {
			continue
		}
		j.Status = model.JobDispatched
		if err := m.store.InsertJob(j); err != nil {
			m.warn("jobs: cache claimed job failed", map[string]interface{}{"job_id": id, "error": err.Error()})
			continue
		}
		accepted = append(accepted, j)
		if err := m.SendOutreach(ctx, id); err != nil {
			m.warn("jobs: send outreach failed", map[string]interface{}{"job_id": id, "error": err.Error()})
		}
	}
	return accepted, nil
}

// SendOutreach sends the differentiated outreach copy for jobID, or — for
// jobs marked immediate — skips outreach entirely and dispatches straight
// away. No-op if the job is not known locally.
func (m *Manager) SendOutreach(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobs: load job %s for outreach: %w", jobID, err)
	}

	if m.isImmediate(jobID) {
		return m.session.HandleYes(ctx, job.UserNpub, jobID)
	}

	busy, err := m.userBusy(ctx, job.UserNpub)
	if err != nil {
		return err
	}
	if busy {
		return nil // spec §4.2: never interrupt an in-flight conversation with outreach
	}

	user, err := m.upstream.GetUser(ctx, job.UserNpub)
	if err != nil {
		return fmt.Errorf("jobs: load user %s for outreach: %w", job.UserNpub, err)
	}
	if user.DebtSats > 0 {
		return m.dm.SendDM(ctx, job.UserNpub, msgDebtBlock(user.DebtSats))
	}

	var body string
	switch {
	case job.OutreachCount > 0:
		body = msgOutreachFollowup(job)
	case job.Action == model.ActionResume:
		body = msgOutreachResume(job)
	case job.BillingDate != nil:
		body = msgOutreachCancelWithDate(job)
	default:
		body = msgOutreachCancelNoDate(job)
	}
	if err := m.dm.SendDM(ctx, job.UserNpub, body); err != nil {
		return err
	}

	next := timerDeadline(m.cfg.OutreachInterval)
	if err := m.store.RecordOutreach(job.ID, next); err != nil {
		return err
	}
	if err := m.store.ScheduleTimer(&model.Timer{Type: model.TimerOutreach, TargetID: job.ID, FireAt: next}); err != nil {
		return err
	}
	if job.BillingDate != nil {
		lastChanceAt := job.BillingDate.Add(-m.cfg.LastChanceLeadTime)
		if err := m.store.ScheduleTimer(&model.Timer{Type: model.TimerLastChance, TargetID: job.ID, FireAt: lastChanceAt}); err != nil {
			return err
		}
	}
	impliedSkipAt := timerDeadline(m.cfg.OutreachInterval * 2)
	return m.store.ScheduleTimer(&model.Timer{Type: model.TimerImpliedSkip, TargetID: job.ID, FireAt: impliedSkipAt})
}

func (m *Manager) userBusy(ctx context.Context, userNpub string) (bool, error) {
	state, err := m.sessionState(ctx, userNpub)
	if err != nil {
		return false, err
	}
	return state != model.StateIdle, nil
}

// sessionState is a narrow hook so tests can stub busy/idle without a full
// session.Session; on each call Manager asks its session handlers for
// GetState through a type assertion to the fuller interface, falling back
// to "never busy" if the handler set doesn't support it.
func (m *Manager) sessionState(ctx context.Context, userNpub string) (model.SessionState, error) {
	type stateGetter interface {
		GetState(userNpub string) (model.SessionState, error)
	}
	sg, ok := m.session.(stateGetter)
	if !ok {
		return model.StateIdle, nil
	}
	return sg.GetState(userNpub)
}

// HandleSkip marks a job skipped by explicit user request, cancels every
// timer tied to it, and acknowledges.
func (m *Manager) HandleSkip(ctx context.Context, userNpub, jobID string) error {
	if err := m.store.UpdateJobStatus(jobID, model.JobUserSkip); err != nil {
		return err
	}
	if err := m.upstream.UpdateJobStatus(ctx, jobID, model.JobUserSkip); err != nil {
		m.warn("jobs: upstream skip update failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
	if err := m.store.CancelAllTimersForTarget(jobID); err != nil {
		return err
	}
	return m.dm.SendDM(ctx, userNpub, msgSkipAck())
}

// HandleSnooze marks a job snoozed and reschedules a fresh outreach timer,
// replacing any existing one.
func (m *Manager) HandleSnooze(ctx context.Context, userNpub, jobID string) error {
	if err := m.store.UpdateJobStatus(jobID, model.JobSnoozed); err != nil {
		return err
	}
	if err := m.dm.SendDM(ctx, userNpub, msgSnoozeAck()); err != nil {
		return err
	}
	next := timerDeadline(48 * time.Hour)
	return m.store.ScheduleTimer(&model.Timer{Type: model.TimerOutreach, TargetID: jobID, FireAt: next})
}

// HandleTimer routes a fired timer to its handler (spec §4.2 timer table).
func (m *Manager) HandleTimer(ctx context.Context, timerType model.TimerType, targetID, payload string) error {
	switch timerType {
	case model.TimerOutreach:
		return m.HandleOutreachTimer(ctx, targetID)
	case model.TimerOTPTimeout:
		return m.session.HandleOTPTimeout(ctx, targetID)
	case model.TimerPaymentExpiry:
		return m.session.HandlePaymentExpired(ctx, targetID)
	case model.TimerImpliedSkip:
		return m.HandleImpliedSkip(ctx, targetID)
	case model.TimerLastChance:
		return m.HandleLastChance(ctx, targetID)
	default:
		return fmt.Errorf("jobs: unknown timer type %q", timerType)
	}
}

// HandleOutreachTimer resends outreach, unless the job has gone terminal or
// the user is busy (in which case it reschedules silently — no DM while busy).
func (m *Manager) HandleOutreachTimer(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	busy, err := m.userBusy(ctx, job.UserNpub)
	if err != nil {
		return err
	}
	if busy {
		next := timerDeadline(m.cfg.OutreachInterval)
		return m.store.ScheduleTimer(&model.Timer{Type: model.TimerOutreach, TargetID: jobID, FireAt: next})
	}
	return m.SendOutreach(ctx, jobID)
}

// HandleLastChance warns the user as billing_date approaches. It does not
// reschedule when the user is busy — this is the spec's specified
// behavior, not a gap (see DESIGN.md "last-chance-busy-reschedule").
func (m *Manager) HandleLastChance(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() || job.BillingDate == nil {
		return nil
	}
	if job.BillingDate.Before(time.Now().UTC()) {
		return nil
	}

	busy, err := m.userBusy(ctx, job.UserNpub)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}

	return m.dm.SendDM(ctx, job.UserNpub, msgLastChance(job))
}

// HandleImpliedSkip marks a job abandoned by silence — the user never
// replied before the implied-skip window elapsed.
func (m *Manager) HandleImpliedSkip(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if err := m.store.UpdateJobStatus(jobID, model.JobImpliedSkip); err != nil {
		return err
	}
	if err := m.upstream.UpdateJobStatus(ctx, jobID, model.JobImpliedSkip); err != nil {
		m.warn("jobs: upstream implied-skip update failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
	return m.store.CancelTimer(model.TimerOutreach, jobID)
}

// GetActiveJobForUser returns the user's current outreach-eligible job, if any.
func (m *Manager) GetActiveJobForUser(ctx context.Context, userNpub string) (*model.Job, error) {
	return m.store.GetActiveJobForUser(userNpub)
}

// UpstreamJobStatus is one row of the cancellation feed reconciliation
// reads: an upstream-authoritative terminal status for a job id.
type UpstreamJobStatus struct {
	JobID  string
	Status model.JobStatus
}

// ReconcileCancelledJobs applies upstream's authoritative terminal statuses
// to local state: known, non-terminal jobs get updated, their timers
// cancelled, any linked session torn down, and are dropped from the gate's
// active set/queue. Unknown ids and already-terminal jobs are skipped.
func (m *Manager) ReconcileCancelledJobs(ctx context.Context, updates []UpstreamJobStatus) (int, error) {
	count := 0
	for _, u := range updates {
		job, err := m.store.GetJob(u.JobID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return count, err
		}
		if job.Status.IsTerminal() {
			continue
		}

		if err := m.store.UpdateJobStatus(u.JobID, u.Status); err != nil {
			return count, err
		}
		if err := m.store.CancelAllTimersForTarget(u.JobID); err != nil {
			return count, err
		}
		if err := m.store.DeleteSessionByJobID(u.JobID); err != nil {
			return count, err
		}
		m.dropFromGate(u.JobID)
		count++
	}
	return count, nil
}

func (m *Manager) dropFromGate(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeAgentJobs, jobID)
	filtered := m.dispatchQueue[:0]
	for _, id := range m.dispatchQueue {
		if id != jobID {
			filtered = append(filtered, id)
		}
	}
	m.dispatchQueue = filtered
}

// CleanupTerminalJobs deletes every locally-terminal job last updated before
// olderThan, returning how many rows were removed (spec §4.2 "Cleanup").
func (m *Manager) CleanupTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	return m.store.DeleteTerminalJobsOlderThan(olderThan)
}

func timerDeadline(d time.Duration) time.Time {
	return time.Now().UTC().Add(d)
}
