package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFilesAbsent(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrentAgentJobs)
	assert.Equal(t, 15*time.Minute, cfg.OTPTimeout)
}

func TestLoad_ComponentOverlayWinsOverShared(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared.env")
	component := filepath.Join(dir, "worker.env")

	require.NoError(t, os.WriteFile(shared, []byte("WAITLIST_HMAC_SECRET=shared-secret\nWAITLIST_MAX_CONCURRENT_AGENT_JOBS=1\n"), 0o600))
	require.NoError(t, os.WriteFile(component, []byte("WAITLIST_MAX_CONCURRENT_AGENT_JOBS=5\n"), 0o600))

	for _, k := range []string{"WAITLIST_HMAC_SECRET", "WAITLIST_MAX_CONCURRENT_AGENT_JOBS"} {
		os.Unsetenv(k)
	}

	cfg, err := Load(shared, component)
	require.NoError(t, err)
	assert.Equal(t, "shared-secret", cfg.HMACSecret)
	assert.Equal(t, 5, cfg.MaxConcurrentAgentJobs)
}

func TestValidate_RequiresHMACSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "HMAC_SECRET")
}
