package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsaltedbutter/waitlist/internal/jobs"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

type fakePollJobGate struct {
	firedTimers []model.TimerType
	reconciled  []jobs.UpstreamJobStatus
	reconcileN  int
	reconcileErr error
}

func (f *fakePollJobGate) PollAndClaim(ctx context.Context) ([]*model.Job, error) {
	return nil, nil
}

func (f *fakePollJobGate) HandleTimer(ctx context.Context, timerType model.TimerType, targetID, payload string) error {
	f.firedTimers = append(f.firedTimers, timerType)
	return nil
}

func (f *fakePollJobGate) ReconcileCancelledJobs(ctx context.Context, updates []jobs.UpstreamJobStatus) (int, error) {
	f.reconciled = append(f.reconciled, updates...)
	return f.reconcileN, f.reconcileErr
}

func (f *fakePollJobGate) CleanupTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type fakeReconcileUpstream struct {
	updates []upstream.TerminalStatusUpdate
	calledWith []string
	err     error
}

func (f *fakeReconcileUpstream) TerminalStatuses(ctx context.Context, jobIDs []string) ([]upstream.TerminalStatusUpdate, error) {
	f.calledWith = jobIDs
	if f.err != nil {
		return nil, f.err
	}
	return f.updates, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "waitlist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPollLoop_FireDueTimers_DispatchesEachDueTimer(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ScheduleTimer(&model.Timer{
		Type: model.TimerOutreach, TargetID: "job-1", FireAt: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, st.ScheduleTimer(&model.Timer{
		Type: model.TimerLastChance, TargetID: "job-2", FireAt: time.Now().UTC().Add(-time.Minute),
	}))

	gate := &fakePollJobGate{}
	loop := NewPollLoop(gate, &fakeReconcileUpstream{}, st, nil)

	loop.fireDueTimers(context.Background())

	assert.ElementsMatch(t, []model.TimerType{model.TimerOutreach, model.TimerLastChance}, gate.firedTimers)
}

func TestPollLoop_FireDueTimers_NoDueTimersIsNoOp(t *testing.T) {
	st := newTestStore(t)
	gate := &fakePollJobGate{}
	loop := NewPollLoop(gate, &fakeReconcileUpstream{}, st, nil)

	loop.fireDueTimers(context.Background())

	assert.Empty(t, gate.firedTimers)
}

func TestPollLoop_Reconcile_NoNonTerminalJobsSkipsUpstreamCall(t *testing.T) {
	st := newTestStore(t)
	up := &fakeReconcileUpstream{}
	gate := &fakePollJobGate{}
	loop := NewPollLoop(gate, up, st, nil)

	loop.reconcile(context.Background())

	assert.Nil(t, up.calledWith)
	assert.Empty(t, gate.reconciled)
}

func TestPollLoop_Reconcile_AppliesUpstreamTerminalStatuses(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertJob(&model.Job{
		ID: "job-1", UserNpub: "np-a", ServiceID: "svc", Action: model.ActionCancel,
		Trigger: model.TriggerOutreach, Status: model.JobDispatched,
	}))

	up := &fakeReconcileUpstream{updates: []upstream.TerminalStatusUpdate{
		{JobID: "job-1", Status: model.JobUserAbandon},
	}}
	gate := &fakePollJobGate{}
	loop := NewPollLoop(gate, up, st, nil)

	loop.reconcile(context.Background())

	require.Len(t, gate.reconciled, 1)
	assert.Equal(t, "job-1", gate.reconciled[0].JobID)
	assert.Equal(t, model.JobUserAbandon, gate.reconciled[0].Status)
	assert.Equal(t, []string{"job-1"}, up.calledWith)
}

func TestPollLoop_Reconcile_EmptyUpstreamResponseSkipsApply(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertJob(&model.Job{
		ID: "job-1", UserNpub: "np-a", ServiceID: "svc", Action: model.ActionCancel,
		Trigger: model.TriggerOutreach, Status: model.JobDispatched,
	}))

	up := &fakeReconcileUpstream{}
	gate := &fakePollJobGate{}
	loop := NewPollLoop(gate, up, st, nil)

	loop.reconcile(context.Background())

	assert.Empty(t, gate.reconciled)
}
