package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/discovery"
	"github.com/unsaltedbutter/waitlist/internal/signing"
)

// shutdownGrace is how long Shutdown waits for in-flight jobs to finish
// before cancelling the stragglers, ported from original_source/agent/
// server.py's Agent.stop() (asyncio.wait(tasks, timeout=30.0)).
const shutdownGrace = 30 * time.Second

// Server is the automation worker's HTTP control plane: it accepts job
// dispatch and OTP/credential relays from the orchestrator (spec §4.3) and
// answers /health for discovery. Routing uses gorilla/mux rather than
// stdlib ServeMux, unlike the rest of this codebase's HTTP surfaces.
type Server struct {
	router    *mux.Router
	http      *http.Server
	logger    core.Logger
	verifier  *signing.Verifier
	executor  *Executor
	callback  *OrchestratorCallbackClient
	registrar *discovery.WorkerRegistrar

	maxSlots int
	version  string

	mu           sync.Mutex
	active       map[string]*ActiveJob
	shuttingDown bool
	wg           sync.WaitGroup
}

type executeRequest struct {
	JobID           string            `json:"job_id"`
	Service         string            `json:"service"`
	Action          string            `json:"action"`
	Credentials     map[string]string `json:"credentials"`
	PlanID          string            `json:"plan_id"`
	PlanDisplayName string            `json:"plan_display_name"`
	UserNpub        string            `json:"user_npub"`
}

type otpRequest struct {
	JobID string `json:"job_id"`
	Code  string `json:"code"`
}

type credentialRequest struct {
	JobID          string `json:"job_id"`
	CredentialName string `json:"credential_name"`
	Value          string `json:"value"`
}

type abortRequest struct {
	JobID string `json:"job_id"`
}

type healthJob struct {
	JobID          string  `json:"job_id"`
	Service        string  `json:"service"`
	Action         string  `json:"action"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type healthResponse struct {
	MaxSlots       int         `json:"max_slots"`
	ActiveCount    int         `json:"active_count"`
	SlotsAvailable int         `json:"slots_available"`
	Version        string      `json:"version"`
	Jobs           []healthJob `json:"jobs"`
}

// NewServer builds a worker HTTP control plane. vision/catalog/callback feed
// an Executor whose OTP/credential callbacks route through this server's own
// active-job table.
func NewServer(hmacSecret string, maxSlots int, version string, vision VisionClassifier, catalog *Catalog, callback *OrchestratorCallbackClient, registrar *discovery.WorkerRegistrar, logger core.Logger) *Server {
	s := &Server{
		logger:    logger,
		verifier:  signing.NewVerifier(hmacSecret),
		callback:  callback,
		registrar: registrar,
		maxSlots:  maxSlots,
		version:   version,
		active:    make(map[string]*ActiveJob),
	}
	s.executor = NewExecutor(vision, catalog, s.otpCallback, s.credentialCallback)
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	protected := r.NewRoute().Subrouter()
	protected.Use(s.verifier.Middleware)
	protected.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	protected.HandleFunc("/otp", s.handleOTP).Methods(http.MethodPost)
	protected.HandleFunc("/credential", s.handleCredential).Methods(http.MethodPost)
	protected.HandleFunc("/abort", s.handleAbort).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start binds host:port, registers with the discovery fleet (if a
// registrar was supplied), and serves until Shutdown is called.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	if s.registrar != nil {
		if err := s.registrar.Register(ctx, host, port, s.maxSlots); err != nil {
			return fmt.Errorf("worker server: register with discovery: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("worker server starting", map[string]interface{}{"addr": addr, "max_slots": s.maxSlots})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("worker server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new jobs, waits up to shutdownGrace for active
// jobs to finish, cancels any stragglers, then closes the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registrar != nil {
		if err := s.registrar.UpdateHealth(ctx, core.HealthUnhealthy); err != nil {
			s.logger.Warn("worker shutdown: failed to mark unhealthy", map[string]interface{}{"error": err.Error()})
		}
	}

	s.mu.Lock()
	s.shuttingDown = true
	stragglers := make([]*ActiveJob, 0, len(s.active))
	for _, j := range s.active {
		stragglers = append(stragglers, j)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("worker shutdown: cancelling stragglers", map[string]interface{}{"count": len(stragglers)})
		for _, j := range stragglers {
			j.Cancel()
		}
	}

	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		http.Error(w, "worker shutting down", http.StatusConflict)
		return
	}
	if _, exists := s.active[req.JobID]; exists {
		s.mu.Unlock()
		http.Error(w, "job already running", http.StatusConflict)
		return
	}
	if len(s.active) >= s.maxSlots {
		s.mu.Unlock()
		http.Error(w, "worker at capacity", http.StatusConflict)
		return
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	job := newActiveJob(req.JobID, req.Service, req.Action, req.PlanID, req.PlanDisplayName, req.UserNpub, cancel)
	s.active[req.JobID] = job
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runJob(jobCtx, job, req.Credentials)

	w.WriteHeader(http.StatusOK)
}

func (s *Server) runJob(ctx context.Context, job *ActiveJob, credentials map[string]string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, job.JobID)
		s.mu.Unlock()
	}()

	result := s.executor.Run(ctx, job, credentials)

	if err := s.callback.NotifyResult(context.Background(), result); err != nil {
		s.logger.Warn("worker: failed to report result", map[string]interface{}{"job_id": job.JobID, "error": err.Error()})
	}
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	job, ok := s.lookupActive(req.JobID)
	if !ok || !job.deliverOTP(req.Code) {
		http.Error(w, "no pending otp request for job", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	job, ok := s.lookupActive(req.JobID)
	if !ok || !job.deliverCredential(credentialDelivery{name: req.CredentialName, value: req.Value}) {
		http.Error(w, "no pending credential request for job", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAbort is fire-and-forget: it acknowledges unconditionally, even if
// the job is already gone, matching spec §4.3's abort semantics.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if job, ok := s.lookupActive(req.JobID); ok {
		job.Cancel()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := make([]healthJob, 0, len(s.active))
	for _, j := range s.active {
		jobs = append(jobs, healthJob{JobID: j.JobID, Service: j.Service, Action: j.Action, ElapsedSeconds: j.ElapsedSeconds()})
	}
	active := len(s.active)
	s.mu.Unlock()

	resp := healthResponse{
		MaxSlots:       s.maxSlots,
		ActiveCount:    active,
		SlotsAvailable: s.maxSlots - active,
		Version:        s.version,
		Jobs:           jobs,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) lookupActive(jobID string) (*ActiveJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[jobID]
	return job, ok
}

// otpCallback notifies the orchestrator an OTP is needed, then blocks this
// job's goroutine on its ActiveJob slot until /otp delivers one.
func (s *Server) otpCallback(ctx context.Context, jobID, service string) (string, error) {
	if err := s.callback.NotifyOTPNeeded(ctx, jobID, service); err != nil {
		s.logger.Warn("worker: otp-needed callback failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
	job, ok := s.lookupActive(jobID)
	if !ok {
		return "", fmt.Errorf("worker: job %s no longer active", jobID)
	}
	return job.awaitOTP(ctx, callbackDeadline)
}

// credentialCallback mirrors otpCallback for a named credential.
func (s *Server) credentialCallback(ctx context.Context, jobID, service, credentialName string) (string, error) {
	if err := s.callback.NotifyCredentialNeeded(ctx, jobID, service, credentialName); err != nil {
		s.logger.Warn("worker: credential-needed callback failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
	job, ok := s.lookupActive(jobID)
	if !ok {
		return "", fmt.Errorf("worker: job %s no longer active", jobID)
	}
	delivery, err := job.awaitCredential(ctx, callbackDeadline)
	if err != nil {
		return "", err
	}
	return delivery.value, nil
}
