package signing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, signer *Signer, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(string(body)))
	require.NoError(t, signer.ApplyHeaders(req, body))
	return req
}

func TestVerify_AcceptsValidSignature(t *testing.T) {
	signer := NewSigner("shared-secret")
	verifier := NewVerifier("shared-secret")

	body := []byte(`{"job_id":"j1"}`)
	req := signedRequest(t, signer, http.MethodPost, "/api/jobs/claim", body)

	assert.NoError(t, verifier.Verify(req, body))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	signer := NewSigner("shared-secret")
	verifier := NewVerifier("shared-secret")

	body := []byte(`{"job_id":"j1"}`)
	req := signedRequest(t, signer, http.MethodPost, "/api/jobs/claim", body)

	tampered := []byte(`{"job_id":"j2"}`)
	assert.Error(t, verifier.Verify(req, tampered))
}

func TestVerify_RejectsReplayedNonce(t *testing.T) {
	signer := NewSigner("shared-secret")
	verifier := NewVerifier("shared-secret")

	body := []byte(`{}`)
	req := signedRequest(t, signer, http.MethodGet, "/api/jobs/pending", body)

	require.NoError(t, verifier.Verify(req, body))
	assert.ErrorContains(t, verifier.Verify(req, body), "replayed")
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	signer := NewSigner("shared-secret")
	verifier := NewVerifier("different-secret")

	body := []byte(`{}`)
	req := signedRequest(t, signer, http.MethodGet, "/api/jobs/pending", body)

	assert.ErrorContains(t, verifier.Verify(req, body), "mismatch")
}
