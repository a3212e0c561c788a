package worker

import (
	"crypto/md5"
	"encoding/hex"
)

// stuckDetector flags a flow that has stopped making progress: the VLM kept
// returning the same (state, action) pair, or the screenshot stopped
// changing, for stuckThreshold consecutive observations. Ported from
// original_source/agent/vlm_executor.py's _StuckDetector.
type stuckDetector struct {
	threshold int
	history   []stateAction
	hashes    []string
}

type stateAction struct {
	state  string
	action string
}

const stuckThreshold = 3

func newStuckDetector() *stuckDetector {
	return &stuckDetector{threshold: stuckThreshold}
}

// observe records one iteration and reports whether the flow is stuck.
// action == "wait" is excluded from the (state,action) history, matching the
// original: waiting in place is not itself evidence of a stall.
func (d *stuckDetector) observe(state, action string, screenshot []byte) bool {
	if action != "wait" {
		d.history = append(d.history, stateAction{state, action})
		if len(d.history) >= d.threshold {
			recent := d.history[len(d.history)-d.threshold:]
			if allEqual(recent) {
				return true
			}
		}
	}

	d.hashes = append(d.hashes, hashScreenshot(screenshot))
	if len(d.hashes) >= d.threshold {
		recent := d.hashes[len(d.hashes)-d.threshold:]
		same := true
		for _, h := range recent {
			if h != recent[0] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}

	return false
}

func (d *stuckDetector) reset() {
	d.history = d.history[:0]
	d.hashes = d.hashes[:0]
}

func allEqual(entries []stateAction) bool {
	for _, e := range entries {
		if e != entries[0] {
			return false
		}
	}
	return true
}

// hashScreenshot hashes a bounded prefix of the screenshot bytes, matching
// the original's md5(screenshot_b64[:10000]) truncation, which exists so the
// hash stays cheap on every iteration of a multi-minute flow.
func hashScreenshot(raw []byte) string {
	n := len(raw)
	if n > 10000 {
		n = 10000
	}
	sum := md5.Sum(raw[:n])
	return hex.EncodeToString(sum[:])
}
