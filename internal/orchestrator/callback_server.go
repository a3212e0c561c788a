package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/signing"
)

// callbackSession narrows internal/session.Session to the worker callback handlers.
type callbackSession interface {
	HandleOTPNeeded(ctx context.Context, jobID, service, prompt string) error
	HandleCredentialNeeded(ctx context.Context, jobID, service, credentialName string) error
	HandleResult(ctx context.Context, jobID string, success bool, accessEndDate, errText, errorCode string, durationMs int64, stats map[string]interface{}) error
}

// CallbackServer is the orchestrator's HTTP surface for the worker fleet
// (spec §4.3/§6): POST /callback/otp-needed, /callback/credential-needed,
// /callback/result. Routing uses the stdlib ServeMux, matching core/tool.go
// and core/agent.go's convention rather than internal/worker's gorilla/mux
// (that package's routing has more surface — method-scoped subrouter plus
// an unprotected health route — which is where gorilla/mux earns its keep).
type CallbackServer struct {
	mux      *http.ServeMux
	session  callbackSession
	verifier *signing.Verifier
	logger   core.Logger
}

// NewCallbackServer builds the worker-facing callback HTTP handler.
func NewCallbackServer(session callbackSession, hmacSecret string, logger core.Logger) *CallbackServer {
	s := &CallbackServer{
		session:  session,
		verifier: signing.NewVerifier(hmacSecret),
		logger:   logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback/otp-needed", s.handleOTPNeeded)
	mux.HandleFunc("/callback/credential-needed", s.handleCredentialNeeded)
	mux.HandleFunc("/callback/result", s.handleResult)
	s.mux = mux
	return s
}

// Handler returns the signed-verified HTTP handler, for wiring into an http.Server.
func (s *CallbackServer) Handler() http.Handler {
	return s.verifier.Middleware(s.mux)
}

func (s *CallbackServer) warn(msg string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}

type otpNeededRequest struct {
	JobID   string `json:"job_id"`
	Service string `json:"service"`
}

// genericOTPPrompt is used for handle_otp_needed's "prompt" argument: the
// worker callback body only carries job_id/service (spec §6), so the
// orchestrator synthesizes the DM copy itself rather than relaying
// vision-model text verbatim to the user.
const genericOTPPrompt = "enter the verification code you received"

func (s *CallbackServer) handleOTPNeeded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req otpNeededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := s.session.HandleOTPNeeded(r.Context(), req.JobID, req.Service, genericOTPPrompt); err != nil {
		s.warn("callback server: otp-needed failed", map[string]interface{}{"job_id": req.JobID, "error": err.Error()})
		http.Error(w, "handler failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type credentialNeededRequest struct {
	JobID          string `json:"job_id"`
	Service        string `json:"service"`
	CredentialName string `json:"credential_name"`
}

func (s *CallbackServer) handleCredentialNeeded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentialNeededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := s.session.HandleCredentialNeeded(r.Context(), req.JobID, req.Service, req.CredentialName); err != nil {
		s.warn("callback server: credential-needed failed", map[string]interface{}{"job_id": req.JobID, "error": err.Error()})
		http.Error(w, "handler failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type resultRequest struct {
	JobID           string  `json:"job_id"`
	Success         bool    `json:"success"`
	AccessEndDate   string  `json:"access_end_date,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *CallbackServer) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	durationMs := int64(req.DurationSeconds * 1000)
	if err := s.session.HandleResult(r.Context(), req.JobID, req.Success, req.AccessEndDate, req.Error, req.ErrorCode, durationMs, nil); err != nil {
		s.warn("callback server: result failed", map[string]interface{}{"job_id": req.JobID, "error": err.Error()})
		http.Error(w, "handler failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
