package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/signing"
)

func TestClaimJobs_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/claim", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(signing.HeaderSignature))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req ClaimRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, []string{"j1", "j2"}, req.JobIDs)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ClaimResponse{Claimed: []string{"j1"}})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-secret", nil)
	resp, err := client.ClaimJobs(context.Background(), []string{"j1", "j2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, resp.Claimed)
}

func TestUpdateJobStatus_SurfacesUpstreamRejectionOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"terminal"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "test-secret", nil)
	client.retry.MaxAttempts = 1
	err := client.UpdateJobStatus(context.Background(), "j1", model.JobCompletedPaid)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpstreamRejection)
}

func TestGetUser_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/npub1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(UserInfo{Npub: "npub1", DebtSats: 500, PlanID: "pro"})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-secret", nil)
	info, err := client.GetUser(context.Background(), "npub1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.DebtSats)
	assert.Equal(t, "pro", info.PlanID)
}
