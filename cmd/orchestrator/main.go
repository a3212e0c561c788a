// Command orchestrator runs the conversation state machine and job
// lifecycle manager: it consumes inbound DMs and upstream pushes off the
// messaging transport, drives the poll/timer/reconcile/cleanup tick, and
// exposes the callback HTTP surface the worker fleet reports back to
// (spec §4.1, §4.2, §4.3). Deployment mirrors
// examples/agent-with-async/main.go's signal-driven shutdown rather than
// that example's split api/worker modes: this process is always embedded.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/discovery"
	"github.com/unsaltedbutter/waitlist/internal/jobs"
	"github.com/unsaltedbutter/waitlist/internal/messaging"
	"github.com/unsaltedbutter/waitlist/internal/orchestrator"
	"github.com/unsaltedbutter/waitlist/internal/session"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/telemetry"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

const httpShutdownGrace = 10 * time.Second

func main() {
	sharedEnv := envOr("WAITLIST_SHARED_ENV_FILE", ".env")
	componentEnv := envOr("WAITLIST_ORCHESTRATOR_ENV_FILE", ".env.orchestrator")

	cfg, err := config.Load(sharedEnv, componentEnv)
	if err != nil {
		log.Fatalf("orchestrator: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("orchestrator: invalid config: %v", err)
	}

	logger := telemetry.New("orchestrator")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("orchestrator: open store failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.HMACSecret, logger)

	pool, err := discovery.NewWorkerPool(cfg.RedisURL)
	if err != nil {
		logger.Error("orchestrator: discovery pool failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	workerClient := jobs.NewWorkerClient(pool, cfg.HMACSecret, logger)

	transport := messaging.New(cfg.MessagingRelays, st, logger)

	sess := session.New(st, upstreamClient, workerClient, session.PassthroughDecryptor{}, transport, cfg, logger)
	mgr := jobs.New(st, upstreamClient, sess, transport, cfg, logger)

	router := orchestrator.NewRouter(sess, mgr, cfg.CoordinatorNpub, logger)
	callbackSrv := orchestrator.NewCallbackServer(sess, cfg.HMACSecret, logger)
	pollLoop := orchestrator.NewPollLoop(mgr, upstreamClient, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("orchestrator: shutdown signal received", nil)
		cancel()
	}()

	go transport.Run(ctx)
	go runInboundLoop(ctx, transport, router, logger)
	go pollLoop.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.OrchestratorHost, cfg.OrchestratorPort)
	httpSrv := &http.Server{Addr: addr, Handler: callbackSrv.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator: http shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("orchestrator starting", map[string]interface{}{"addr": addr})
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("orchestrator: http server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("orchestrator: shutdown complete", nil)
}

// runInboundLoop feeds every DM/push off the transport into the router
// until the transport's channel closes or ctx ends.
func runInboundLoop(ctx context.Context, transport *messaging.Transport, router *orchestrator.Router, logger core.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-transport.Inbound():
			if !ok {
				return
			}
			if err := router.HandleInbound(ctx, msg); err != nil {
				logger.Warn("orchestrator: inbound handling failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
