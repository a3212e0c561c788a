// Package worker runs the bounded-concurrency automation worker HTTP server:
// it accepts job dispatch from the orchestrator, drives a browser session
// per job, relays OTP/credential challenges back through the orchestrator,
// and reports the outcome.
package worker

import "sync"

// guiMutex serializes every GUI-producing action (mouse, keyboard, clipboard,
// window focus) across the whole process, direct port of
// original_source/agent/gui_lock.py's single module-level threading.Lock.
// A machine only has one input device; two browser sessions fighting over
// the cursor corrupts both. Anything that doesn't touch the screen or input
// device (VLM HTTP calls, screenshot capture, waiting on an OTP/credential
// callback) must run outside this lock.
var guiMutex sync.Mutex

// withGUILock runs fn while holding the process-wide GUI lock.
func withGUILock(fn func()) {
	guiMutex.Lock()
	defer guiMutex.Unlock()
	fn()
}
