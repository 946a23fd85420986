package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// Nonexistent file falls back to defaults.
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxValidationRetries)
	assert.Equal(t, 3, cfg.Engine.MaxCIFixAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.CIPollInterval.Duration())
	assert.False(t, cfg.Engine.CleanupWorktree)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval.Duration())
	assert.Equal(t, "devflow", cfg.Telemetry.ServiceName)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_validation_retries: 5
  max_ci_fix_attempts: 2
  cleanup_worktree: true
agent:
  command: my-agent
  timeout: 10m
worker:
  heartbeat_interval: 15s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxValidationRetries)
	assert.Equal(t, 2, cfg.Engine.MaxCIFixAttempts)
	assert.True(t, cfg.Engine.CleanupWorktree)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, 10*time.Minute, cfg.Agent.Timeout.Duration())
	assert.Equal(t, 15*time.Second, cfg.Worker.HeartbeatInterval.Duration())
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_validation_retries: 5
`)
	t.Setenv("DEVFLOW_ENGINE_MAX_VALIDATION_RETRIES", "7")
	t.Setenv("DEVFLOW_GITHUB_TOKEN", "ghp_secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxValidationRetries)
	assert.Equal(t, "ghp_secret", cfg.GitHub.Token.Value())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "engine: [not: a: map")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
agent:
  timeout: -5s
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "supersecret")

	empty := Secret("")
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}
