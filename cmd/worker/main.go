// Command worker runs the bounded-concurrency browser-automation server:
// it accepts job dispatch from the orchestrator, drives the executor
// through the service catalog, relays interactive OTP/credential
// challenges back over the callback client, and registers itself with the
// discovery fleet (spec §4.3).
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/discovery"
	"github.com/unsaltedbutter/waitlist/internal/telemetry"
	"github.com/unsaltedbutter/waitlist/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...";
// "dev" is the unbuilt/local-run fallback.
var version = "dev"

const shutdownTimeout = 35 * time.Second

func main() {
	sharedEnv := envOr("WAITLIST_SHARED_ENV_FILE", ".env")
	componentEnv := envOr("WAITLIST_WORKER_ENV_FILE", ".env.worker")

	cfg, err := config.Load(sharedEnv, componentEnv)
	if err != nil {
		log.Fatalf("worker: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("worker: invalid config: %v", err)
	}

	logger := telemetry.New("worker")

	catalog, err := worker.LoadCatalog(cfg.ServiceCatalogPath)
	if err != nil {
		logger.Warn("worker: falling back to built-in service catalog", map[string]interface{}{"error": err.Error(), "path": cfg.ServiceCatalogPath})
		catalog = worker.DefaultCatalog()
	}

	vision := worker.NewHTTPVisionClient(os.Getenv("WAITLIST_VISION_ENDPOINT"), os.Getenv("WAITLIST_VISION_API_KEY"))
	callback := worker.NewOrchestratorCallbackClient(os.Getenv("WAITLIST_ORCHESTRATOR_CALLBACK_BASE_URL"), cfg.HMACSecret)

	workerID := envOr("WAITLIST_WORKER_ID", "worker-"+strconv.Itoa(os.Getpid()))
	registrar, err := discovery.NewWorkerRegistrar(cfg.RedisURL, workerID)
	if err != nil {
		logger.Error("worker: discovery registrar failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	srv := worker.NewServer(cfg.HMACSecret, cfg.MaxConcurrentAgentJobs, version, vision, catalog, callback, registrar, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("worker: shutdown signal received", nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("worker: shutdown failed", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}()

	logger.Info("worker starting", map[string]interface{}{"host": cfg.WorkerHost, "port": cfg.WorkerPort, "max_slots": cfg.MaxConcurrentAgentJobs})
	if err := srv.Start(ctx, cfg.WorkerHost, cfg.WorkerPort); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker: server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("worker: shutdown complete", nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
