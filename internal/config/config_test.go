package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/payflow")
	t.Setenv("CLAIM_SIGNING_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.Policy.SplitHardCap)
	assert.Equal(t, 4, cfg.Policy.SplitSoftThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Policy.PayinTimeout)
	assert.Equal(t, []time.Duration{15 * time.Minute, 30 * time.Minute, 60 * time.Minute}, cfg.Policy.FlexibleWindows)
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	t.Setenv("DB_SOURCE", "x")
	t.Setenv("CLAIM_SIGNING_KEY", "short")
	_, err := Load()
	require.Error(t, err)
}

func TestPolicyFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("split_hard_cap: 7\npayin_timeout: 20m\nflexible_windows: [10m, 40m]\n"), 0o600))

	t.Setenv("DB_SOURCE", "x")
	t.Setenv("CLAIM_SIGNING_KEY", testKey)
	t.Setenv("POLICY_FILE", path)
	t.Setenv("POLICY_SPLIT_SOFT_THRESHOLD", "6")
	t.Setenv("POLICY_LIVENESS_GATE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Policy.SplitHardCap)
	assert.Equal(t, 6, cfg.Policy.SplitSoftThreshold)
	assert.Equal(t, 20*time.Minute, cfg.Policy.PayinTimeout)
	assert.Equal(t, []time.Duration{10 * time.Minute, 40 * time.Minute}, cfg.Policy.FlexibleWindows)
	assert.False(t, cfg.Policy.LivenessGate)
	assert.Equal(t, 30*time.Minute, cfg.Policy.ExactWindow)
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	p.SplitSoftThreshold = p.SplitHardCap + 1
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.FlexibleWindows = []time.Duration{time.Hour, time.Minute}
	assert.Error(t, p.Validate())
}
