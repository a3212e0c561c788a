// Package discovery generalizes the single hardcoded worker URL of the
// original implementation into a Redis-discoverable worker pool, using the
// framework's core.Registry/core.Discovery + Redis-backed implementation
// (core/redis_registry.go, core/redis_discovery.go). See SPEC_FULL.md §B
// "Worker fleet discovery via Redis": this is a liveness directory, not a
// consensus store, and does not change any dispatch-gate semantics.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/gomind/core"
)

// WorkerCapability is the capability name workers register under.
const WorkerCapability = "automation-worker"

// WorkerRegistrar is implemented by a worker process: it registers itself
// and maintains a heartbeat so the orchestrator's dispatch gate can find it.
type WorkerRegistrar struct {
	registry core.Registry
	id       string
}

// NewWorkerRegistrar wraps a Redis-backed registry for a single worker instance.
func NewWorkerRegistrar(redisURL, workerID string) (*WorkerRegistrar, error) {
	reg, err := core.NewRedisRegistry(redisURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: new redis registry: %w", err)
	}
	return &WorkerRegistrar{registry: reg, id: workerID}, nil
}

// Register announces this worker's address and capacity.
func (w *WorkerRegistrar) Register(ctx context.Context, address string, port int, maxSlots int) error {
	info := &core.ServiceInfo{
		ID:      w.id,
		Name:    "waitlist-worker",
		Type:    core.ComponentTypeTool,
		Address: address,
		Port:    port,
		Capabilities: []core.Capability{
			{Name: WorkerCapability, Description: "runs browser-automation cancel/resume jobs"},
		},
		Metadata: map[string]interface{}{"max_slots": maxSlots},
		Health:   core.HealthHealthy,
	}
	if err := w.registry.Register(ctx, info); err != nil {
		return fmt.Errorf("discovery: register worker %s: %w", w.id, err)
	}
	if hb, ok := w.registry.(interface {
		StartHeartbeat(context.Context, string)
	}); ok {
		hb.StartHeartbeat(ctx, w.id)
	}
	return nil
}

// UpdateHealth reports this worker's current health to the registry.
func (w *WorkerRegistrar) UpdateHealth(ctx context.Context, status core.HealthStatus) error {
	return w.registry.UpdateHealth(ctx, w.id, status)
}

// WorkerPool is the orchestrator-side view: it finds healthy workers by
// capability so the worker client can round-robin across them without ever
// hardcoding a worker address. It does not check a worker's free slots.
type WorkerPool struct {
	discovery core.Discovery
}

// NewWorkerPool wraps a Redis-backed discovery client.
func NewWorkerPool(redisURL string) (*WorkerPool, error) {
	disc, err := core.NewRedisDiscovery(redisURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: new redis discovery: %w", err)
	}
	return &WorkerPool{discovery: disc}, nil
}

// Workers returns every worker currently registered and healthy.
func (p *WorkerPool) Workers(ctx context.Context) ([]*core.ServiceInfo, error) {
	infos, err := p.discovery.Discover(ctx, core.DiscoveryFilter{Capabilities: []string{WorkerCapability}})
	if err != nil {
		return nil, fmt.Errorf("discovery: discover workers: %w", err)
	}
	return infos, nil
}

// AddressOf formats a ServiceInfo into a base URL for the worker RPC client.
func AddressOf(info *core.ServiceInfo) string {
	return fmt.Sprintf("http://%s:%d", info.Address, info.Port)
}

// defaultPollInterval is how often WaitForAny polls discovery while no
// worker is yet registered — e.g. right after a cold start race.
const defaultPollInterval = 500 * time.Millisecond

// WaitForAny blocks until at least one worker is discoverable or ctx ends.
func (p *WorkerPool) WaitForAny(ctx context.Context) (*core.ServiceInfo, error) {
	for {
		workers, err := p.Workers(ctx)
		if err == nil && len(workers) > 0 {
			return workers[0], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultPollInterval):
		}
	}
}
