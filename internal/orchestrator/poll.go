package orchestrator

import (
	"context"
	"time"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/jobs"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

// pollInterval is the upstream poll-and-claim cadence (spec §6: "on a
// periodic tick (seconds order)").
const pollInterval = 10 * time.Second

// timerTick is the timer-queue scan cadence (spec §6: "the tick is coarse
// (1 s); no sub-second requirements exist").
const timerTick = 1 * time.Second

// cleanupInterval reaps terminal jobs well past any timer horizon.
const cleanupInterval = 1 * time.Hour

// cleanupAge is how old a terminal job must be before CleanupTerminalJobs
// removes it.
const cleanupAge = 30 * 24 * time.Hour

// reconcileInterval is how often the manager "pulls the latest terminal
// statuses for recently-active users from upstream" (spec §4.2
// "Reconciliation").
const reconcileInterval = 1 * time.Minute

// pollJobGate narrows internal/jobs.Manager to what PollLoop drives directly.
type pollJobGate interface {
	PollAndClaim(ctx context.Context) ([]*model.Job, error)
	HandleTimer(ctx context.Context, timerType model.TimerType, targetID, payload string) error
	ReconcileCancelledJobs(ctx context.Context, updates []jobs.UpstreamJobStatus) (int, error)
	CleanupTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// reconcileUpstream narrows internal/upstream.Client to the reconciliation feed.
type reconcileUpstream interface {
	TerminalStatuses(ctx context.Context, jobIDs []string) ([]upstream.TerminalStatusUpdate, error)
}

// PollLoop drives the four background ticks that keep the job lifecycle
// moving without an inbound message to react to: upstream polling, the
// timer queue, reconciliation, and terminal-job cleanup.
type PollLoop struct {
	jobs     pollJobGate
	upstream reconcileUpstream
	store    *store.Store
	logger   core.Logger
}

// NewPollLoop builds a PollLoop.
func NewPollLoop(jobs pollJobGate, up reconcileUpstream, st *store.Store, logger core.Logger) *PollLoop {
	return &PollLoop{jobs: jobs, upstream: up, store: st, logger: logger}
}

func (p *PollLoop) warn(msg string, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Warn(msg, fields)
	}
}

// Run blocks, driving all four ticks until ctx is cancelled.
func (p *PollLoop) Run(ctx context.Context) {
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	timerTicker := time.NewTicker(timerTick)
	defer timerTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if _, err := p.jobs.PollAndClaim(ctx); err != nil {
				p.warn("poll loop: poll and claim failed", map[string]interface{}{"error": err.Error()})
			}
		case <-timerTicker.C:
			p.fireDueTimers(ctx)
		case <-reconcileTicker.C:
			p.reconcile(ctx)
		case <-cleanupTicker.C:
			if n, err := p.jobs.CleanupTerminalJobs(ctx, time.Now().UTC().Add(-cleanupAge)); err != nil {
				p.warn("poll loop: cleanup failed", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				p.warn("poll loop: cleaned up terminal jobs", map[string]interface{}{"count": n})
			}
		}
	}
}

// reconcile pulls upstream's authoritative terminal statuses for every
// locally non-terminal job and applies them, recovering from missed pushes
// and operator-initiated changes (spec §4.2 "Reconciliation").
func (p *PollLoop) reconcile(ctx context.Context) {
	ids, err := p.store.NonTerminalJobIDs()
	if err != nil {
		p.warn("poll loop: reconcile: list non-terminal jobs failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(ids) == 0 {
		return
	}

	updates, err := p.upstream.TerminalStatuses(ctx, ids)
	if err != nil {
		p.warn("poll loop: reconcile: upstream query failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(updates) == 0 {
		return
	}

	converted := make([]jobs.UpstreamJobStatus, len(updates))
	for i, u := range updates {
		converted[i] = jobs.UpstreamJobStatus{JobID: u.JobID, Status: u.Status}
	}
	if n, err := p.jobs.ReconcileCancelledJobs(ctx, converted); err != nil {
		p.warn("poll loop: reconcile: apply failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		p.warn("poll loop: reconciled jobs", map[string]interface{}{"count": n})
	}
}

// fireDueTimers scans and dispatches every timer due at this tick. Timers
// fired in the same tick are processed in store order; each handler is
// idempotent (spec §6: "may be processed in any order but each is idempotent").
func (p *PollLoop) fireDueTimers(ctx context.Context) {
	due, err := p.store.DueTimers(time.Now().UTC())
	if err != nil {
		p.warn("poll loop: due timers query failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range due {
		if err := p.jobs.HandleTimer(ctx, t.Type, t.TargetID, t.Payload); err != nil {
			p.warn("poll loop: timer handler failed", map[string]interface{}{
				"type": string(t.Type), "target_id": t.TargetID, "error": err.Error(),
			})
		}
	}
}
