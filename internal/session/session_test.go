package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

// fakeDispatcher records calls instead of talking to a worker fleet.
type fakeDispatcher struct {
	dispatchErr error
	relayOTPErr error
	relayCredErr error
	abortErr    error

	dispatched []string
	relayedOTP []string
	aborted    []string
}

func (f *fakeDispatcher) RequestDispatch(ctx context.Context, job *model.Job, credentials map[string]string) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, job.ID)
	return nil
}

func (f *fakeDispatcher) RelayOTP(ctx context.Context, jobID, code string) error {
	if f.relayOTPErr != nil {
		return f.relayOTPErr
	}
	f.relayedOTP = append(f.relayedOTP, jobID+":"+code)
	return nil
}

func (f *fakeDispatcher) RelayCredential(ctx context.Context, jobID, credentialName, value string) error {
	return f.relayCredErr
}

func (f *fakeDispatcher) Abort(ctx context.Context, jobID string) error {
	f.aborted = append(f.aborted, jobID)
	return f.abortErr
}

// fakeUpstream stubs the HMAC-signed coordinator client.
type fakeUpstream struct {
	credentials    map[string]string
	noCredentials  bool
	invoiceID      string
	userDebtSats   int64
	updateStatuses []model.JobStatus
	actionLogs     []upstream.ActionLogRequest
}

func (f *fakeUpstream) GetCredentials(ctx context.Context, npub, serviceID string) (*upstream.SealedCredentials, error) {
	if f.noCredentials {
		return &upstream.SealedCredentials{}, nil
	}
	return &upstream.SealedCredentials{Sealed: f.credentials}, nil
}

func (f *fakeUpstream) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	f.updateStatuses = append(f.updateStatuses, status)
	return nil
}

func (f *fakeUpstream) CreateInvoice(ctx context.Context, jobID string, amountSats int64) (*upstream.InvoiceResponse, error) {
	return &upstream.InvoiceResponse{InvoiceID: f.invoiceID}, nil
}

func (f *fakeUpstream) PostActionLog(ctx context.Context, jobID string, entry upstream.ActionLogRequest) error {
	f.actionLogs = append(f.actionLogs, entry)
	return nil
}

func (f *fakeUpstream) GetUser(ctx context.Context, npub string) (*upstream.UserInfo, error) {
	return &upstream.UserInfo{Npub: npub, DebtSats: f.userDebtSats}, nil
}

// fakeDM records outbound DMs instead of dialing a relay.
type fakeDM struct {
	sent []string
}

func (f *fakeDM) SendDM(ctx context.Context, userNpub, body string) error {
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeDM) SendDMBubbles(ctx context.Context, userNpub string, bodies ...string) error {
	f.sent = append(f.sent, bodies...)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "waitlist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	sess       *Session
	st         *store.Store
	dispatcher *fakeDispatcher
	up         *fakeUpstream
	dm         *fakeDM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newTestStore(t)
	dispatcher := &fakeDispatcher{}
	up := &fakeUpstream{credentials: map[string]string{"password": "hunter2"}, invoiceID: "lnbc-test"}
	dm := &fakeDM{}
	cfg := config.Default()
	cfg.OperatorNpub = "npub-operator"
	sess := New(st, up, dispatcher, PassthroughDecryptor{}, dm, cfg, nil)
	return &harness{sess: sess, st: st, dispatcher: dispatcher, up: up, dm: dm}
}

func insertJob(t *testing.T, st *store.Store, id, userNpub string, action model.Action) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:        id,
		UserNpub:  userNpub,
		ServiceID: "netflix",
		Action:    action,
		Trigger:   model.TriggerOutreach,
		Status:    model.JobDispatched,
	}
	require.NoError(t, st.InsertJob(job))
	return job
}

func TestHandleYes_DispatchesAndArmsOTPTimeout(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)

	require.NoError(t, h.sess.HandleYes(context.Background(), "np-a", "j1"))

	assert.Equal(t, []string{"j1"}, h.dispatcher.dispatched)

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, sess.State)

	job, err := h.st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobActive, job.Status)

	n, err := h.st.UnfiredTimerCountForTarget("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleYes_JobNotFound_DoesNotCreateSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sess.HandleYes(context.Background(), "np-a", "missing-job"))

	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, h.dm.sent, 1)
}

func TestHandleYes_NoCredentials_DoesNotCreateSession(t *testing.T) {
	h := newHarness(t)
	h.up.noCredentials = true
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)

	require.NoError(t, h.sess.HandleYes(context.Background(), "np-a", "j1"))

	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, h.dm.sent, 1)
	assert.Contains(t, h.dm.sent[0], "login")
}

func TestConfirmAndDispatch_DispatchesViaGate(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)

	require.NoError(t, h.sess.ConfirmAndDispatch(context.Background(), "np-a", "j1"))

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, sess.State)
	assert.Equal(t, []string{"j1"}, h.dispatcher.dispatched)
}

func TestConfirmDecline_ClosesSessionWithoutAbort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateOTPConfirm, JobID: "j1"}))

	require.NoError(t, h.sess.ConfirmDecline(context.Background(), "np-a"))

	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.dispatcher.aborted)
}

func TestHandleOTPNeeded_NoMatchingSession_IsSilentNoOp(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sess.HandleOTPNeeded(context.Background(), "no-such-job", "netflix", "check your email"))

	assert.Empty(t, h.dm.sent)
}

func TestHandleOTPNeeded_TransitionsToAwaitingOTP(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.HandleOTPNeeded(context.Background(), "j1", "netflix", "check your email"))

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingOTP, sess.State)
	require.Len(t, h.dm.sent, 1)
}

func TestHandleOTPInput_RelaysCodeAndReturnsToExecuting(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateAwaitingOTP, JobID: "j1"}))

	require.NoError(t, h.sess.HandleOTPInput(context.Background(), "np-a", "123456"))

	assert.Equal(t, []string{"j1:123456"}, h.dispatcher.relayedOTP)

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, sess.State)
	assert.Equal(t, 1, sess.OTPAttempts)
}

func TestHandleOTPInput_WrongState_IsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.HandleOTPInput(context.Background(), "np-a", "123456"))

	assert.Empty(t, h.dispatcher.relayedOTP)
}

func TestHandleResult_Success_CreatesInvoiceAndArmsPaymentExpiry(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.HandleResult(context.Background(), "j1", true, "2026-09-01T00:00:00Z", "", "", 4200, nil))

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateInvoiceSent, sess.State)

	job, err := h.st.GetJob("j1")
	require.NoError(t, err)
	require.NotNil(t, job.InvoiceID)
	assert.Equal(t, "lnbc-test", *job.InvoiceID)

	n, err := h.st.UnfiredTimerCountForTarget("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleResult_Failure_ClosesSessionAndNotifiesOperator(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.HandleResult(context.Background(), "j1", false, "", "login rejected", "credential_invalid", 1000, nil))

	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	job, err := h.st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)

	// one user-facing DM plus two operator bubbles
	require.Len(t, h.dm.sent, 3)
	assert.Contains(t, h.dm.sent[0], "credentials")
}

func TestHandleResult_CLIJob_SkipsInvoiceAndActionLog(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "cli-1700000000", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "cli-1700000000"}))

	require.NoError(t, h.sess.HandleResult(context.Background(), "cli-1700000000", true, "", "", "", 500, nil))

	job, err := h.st.GetJob("cli-1700000000")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompletedPaid, job.Status)

	_, err = h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.up.actionLogs)
}

func TestHandlePaymentExpired_RenegesAndClosesSession(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateInvoiceSent, JobID: "j1"}))

	require.NoError(t, h.sess.HandlePaymentExpired(context.Background(), "j1"))

	job, err := h.st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompletedReneged, job.Status)

	_, err = h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleOTPTimeout_FromAwaitingOTP_AbortsAndAbandons(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateAwaitingOTP, JobID: "j1"}))

	require.NoError(t, h.sess.HandleOTPTimeout(context.Background(), "j1"))

	assert.Equal(t, []string{"j1"}, h.dispatcher.aborted)

	job, err := h.st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobUserAbandon, job.Status)

	_, err = h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleOTPTimeout_FromExecuting_IsNoOp(t *testing.T) {
	h := newHarness(t)
	insertJob(t, h.st, "j1", "np-a", model.ActionCancel)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.HandleOTPTimeout(context.Background(), "j1"))

	assert.Empty(t, h.dispatcher.aborted)
	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, sess.State)
}

func TestCancelSession_FromExecuting_CallsAbort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))

	require.NoError(t, h.sess.CancelSession(context.Background(), "np-a"))

	assert.Equal(t, []string{"j1"}, h.dispatcher.aborted)
	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelSession_FromOTPConfirm_DoesNotCallAbort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateOTPConfirm, JobID: "j1"}))

	require.NoError(t, h.sess.CancelSession(context.Background(), "np-a"))

	assert.Empty(t, h.dispatcher.aborted)
	_, err := h.st.GetSession("np-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelSession_NoSession_IsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.CancelSession(context.Background(), "np-nobody"))
	assert.Empty(t, h.dispatcher.aborted)
}

func TestHandleCLIDispatch_BypassesOutreach(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sess.HandleCLIDispatch(context.Background(), "np-a", "netflix", model.ActionCancel,
		map[string]string{"password": "hunter2"}, "cli-1700000001", "", ""))

	assert.Equal(t, []string{"cli-1700000001"}, h.dispatcher.dispatched)

	sess, err := h.st.GetSession("np-a")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, sess.State)

	job, err := h.st.GetJob("cli-1700000001")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerCLI, job.Trigger)
}

func TestIsBusy(t *testing.T) {
	h := newHarness(t)
	busy, err := h.sess.IsBusy("np-a")
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, h.st.PutSession(&model.Session{UserNpub: "np-a", State: model.StateExecuting, JobID: "j1"}))
	busy, err = h.sess.IsBusy("np-a")
	require.NoError(t, err)
	assert.True(t, busy)
}
