package telemetry

import (
	"sync"
	"time"
)

// rateLimiter gates error-level logging to at most one line per interval,
// adapted from telemetry/ratelimiter.go.
type rateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
