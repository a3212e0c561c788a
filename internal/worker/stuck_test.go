package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStuckDetector_ThreeIdenticalStateActionPairsTriggers(t *testing.T) {
	d := newStuckDetector()
	assert.False(t, d.observe("user_pass", "click", []byte("a")))
	assert.False(t, d.observe("user_pass", "click", []byte("b")))
	assert.True(t, d.observe("user_pass", "click", []byte("c")))
}

func TestStuckDetector_WaitActionExcludedFromHistory(t *testing.T) {
	d := newStuckDetector()
	for i := 0; i < 5; i++ {
		assert.False(t, d.observe("spinner", "wait", []byte{byte(i)}))
	}
}

func TestStuckDetector_IdenticalScreenshotsTrigger(t *testing.T) {
	d := newStuckDetector()
	shot := []byte("same-frame")
	assert.False(t, d.observe("s1", "a1", shot))
	assert.False(t, d.observe("s2", "a2", shot))
	assert.True(t, d.observe("s3", "a3", shot))
}

func TestStuckDetector_ResetClearsHistory(t *testing.T) {
	d := newStuckDetector()
	d.observe("x", "y", []byte("1"))
	d.observe("x", "y", []byte("1"))
	d.reset()
	assert.False(t, d.observe("x", "y", []byte("1")))
	assert.False(t, d.observe("x", "y", []byte("1")))
}

func TestStuckDetector_ProgressResetsRun(t *testing.T) {
	d := newStuckDetector()
	assert.False(t, d.observe("s1", "click", []byte("f1")))
	assert.False(t, d.observe("s2", "click", []byte("f2")))
	assert.False(t, d.observe("s1", "click", []byte("f1")))
	assert.False(t, d.observe("s2", "click", []byte("f2")))
}
