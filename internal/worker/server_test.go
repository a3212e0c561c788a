package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsaltedbutter/waitlist/internal/signing"
	"github.com/unsaltedbutter/waitlist/internal/telemetry"
)

const testSecret = "test-hmac-secret"

type stubVision struct{}

func (stubVision) ClassifySignIn(ctx context.Context, screenshot []byte, service string) (*SignInClassification, error) {
	return &SignInClassification{PageType: PageSignedIn}, nil
}

func (stubVision) ClassifyFlow(ctx context.Context, screenshot []byte, service, action, planTier string) (*FlowClassification, error) {
	return &FlowClassification{Action: ActionDone}, nil
}

// newTestServer wires a Server whose executor never launches a real
// browser: newBrowser fails immediately so runJob resolves fast with a
// failure Result, which is all these handler-level tests need.
func newTestServer(t *testing.T, maxSlots int) (*Server, *httptest.Server, chan resultBody) {
	t.Helper()
	results := make(chan resultBody, 8)

	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(t, r)
		if r.URL.Path == "/callback/result" {
			var rb resultBody
			require.NoError(t, json.Unmarshal(body, &rb))
			results <- rb
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cbServer.Close)

	cb := NewOrchestratorCallbackClient(cbServer.URL, testSecret)
	logger := telemetry.New("worker-test")

	s := NewServer(testSecret, maxSlots, "test", stubVision{}, DefaultCatalog(), cb, nil, logger)
	s.executor.newBrowser = func(ctx context.Context) (*Browser, error) {
		return nil, assertErr
	}
	return s, cbServer, results
}

var assertErr = &browserLaunchError{"no real browser in tests"}

type browserLaunchError struct{ msg string }

func (e *browserLaunchError) Error() string { return e.msg }

func readBody(t *testing.T, r *http.Request) ([]byte, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	require.NoError(t, err)
	return buf.Bytes(), nil
}

func signedJSONRequest(t *testing.T, method, url string, payload interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, url, bytes.NewReader(raw))
	signer := signing.NewSigner(testSecret)
	require.NoError(t, signer.ApplyHeaders(req, raw))
	return req
}

func TestHandleExecute_AcceptsAndRunsToCompletion(t *testing.T) {
	s, _, results := newTestServer(t, 2)

	req := signedJSONRequest(t, http.MethodPost, "/execute", executeRequest{
		JobID: "job-1", Service: "netflix", Action: "cancel", Credentials: map[string]string{},
	})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case r := <-results:
		assert.Equal(t, "job-1", r.JobID)
		assert.False(t, r.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result callback")
	}
}

func TestHandleExecute_RejectsDuplicateJobID(t *testing.T) {
	s, _, _ := newTestServer(t, 2)

	s.mu.Lock()
	s.active["job-1"] = newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	s.mu.Unlock()

	req := signedJSONRequest(t, http.MethodPost, "/execute", executeRequest{JobID: "job-1", Service: "netflix", Action: "cancel"})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleExecute_RejectsAtCapacity(t *testing.T) {
	s, _, _ := newTestServer(t, 1)

	s.mu.Lock()
	s.active["job-already-running"] = newActiveJob("job-already-running", "netflix", "cancel", "", "", "npub1", func() {})
	s.mu.Unlock()

	req := signedJSONRequest(t, http.MethodPost, "/execute", executeRequest{JobID: "job-2", Service: "netflix", Action: "cancel"})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleOTP_404WhenNothingPending(t *testing.T) {
	s, _, _ := newTestServer(t, 2)
	s.mu.Lock()
	s.active["job-1"] = newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	s.mu.Unlock()

	req := signedJSONRequest(t, http.MethodPost, "/otp", otpRequest{JobID: "job-1", Code: "123456"})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOTP_DeliversToWaitingJob(t *testing.T) {
	s, _, _ := newTestServer(t, 2)
	job := newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	s.mu.Lock()
	s.active["job-1"] = job
	s.mu.Unlock()

	var got string
	done := make(chan struct{})
	go func() {
		code, err := job.awaitOTP(context.Background(), time.Second)
		require.NoError(t, err)
		got = code
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	req := signedJSONRequest(t, http.MethodPost, "/otp", otpRequest{JobID: "job-1", Code: "654321"})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	<-done
	assert.Equal(t, "654321", got)
}

func TestHandleAbort_AcknowledgesUnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t, 2)
	req := signedJSONRequest(t, http.MethodPost, "/abort", abortRequest{JobID: "no-such-job"})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_ReportsCapacityAndActiveJobs(t *testing.T) {
	s, _, _ := newTestServer(t, 3)
	s.mu.Lock()
	s.active["job-1"] = newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	s.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.MaxSlots)
	assert.Equal(t, 1, resp.ActiveCount)
	assert.Equal(t, 2, resp.SlotsAvailable)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "job-1", resp.Jobs[0].JobID)
}
