// Package config provides configuration loading for devflow.
//
// Configuration is loaded from a YAML file with environment-variable
// overrides. This package covers engine tuning, agent subprocess settings,
// GitHub credentials, persistence, and worker supervision.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete devflow configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Agent     AgentConfig     `koanf:"agent"`
	GitHub    GitHubConfig    `koanf:"github"`
	Store     StoreConfig     `koanf:"store"`
	Worker    WorkerConfig    `koanf:"worker"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// EngineConfig tunes the phase state machine and merge sub-workflow.
type EngineConfig struct {
	// MaxValidationRetries bounds repair attempts per validation target.
	MaxValidationRetries int `koanf:"max_validation_retries"`

	// MaxCIFixAttempts bounds agent-driven CI fix cycles per merge.
	MaxCIFixAttempts int `koanf:"max_ci_fix_attempts"`

	// CIPollInterval is the delay between CI status polls.
	CIPollInterval Duration `koanf:"ci_poll_interval"`

	// CIPollTimeout caps a single CI watch cycle.
	CIPollTimeout Duration `koanf:"ci_poll_timeout"`

	// CleanupWorktree removes the feature worktree after a successful merge.
	CleanupWorktree bool `koanf:"cleanup_worktree"`
}

// AgentConfig configures the AI coding-agent subprocess.
type AgentConfig struct {
	// Command is the agent CLI binary to invoke.
	Command string `koanf:"command"`

	// Model is passed through to the agent CLI when set.
	Model string `koanf:"model"`

	// Timeout bounds a single agent invocation. Expiry kills the subprocess.
	Timeout Duration `koanf:"timeout"`

	// MaxTurns limits agent tool-use turns per invocation.
	MaxTurns int `koanf:"max_turns"`
}

// GitHubConfig holds credentials and repository coordinates for PR operations.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// WorkerConfig configures the per-run worker process supervisor.
type WorkerConfig struct {
	// HeartbeatInterval is the tick for lastHeartbeat updates.
	HeartbeatInterval Duration `koanf:"heartbeat_interval"`

	// StaleAfter is how old a heartbeat may be before the sweeper treats a
	// run with a dead PID as crashed.
	StaleAfter Duration `koanf:"stale_after"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`

	// Insecure disables TLS toward the OTLP collector. Defaults to true
	// because the default endpoint is a local collector.
	Insecure bool `koanf:"insecure"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Engine.MaxValidationRetries == 0 {
		cfg.Engine.MaxValidationRetries = 3
	}
	if cfg.Engine.MaxCIFixAttempts == 0 {
		cfg.Engine.MaxCIFixAttempts = 3
	}
	if cfg.Engine.CIPollInterval == 0 {
		cfg.Engine.CIPollInterval = Duration(30 * time.Second)
	}
	if cfg.Engine.CIPollTimeout == 0 {
		cfg.Engine.CIPollTimeout = Duration(30 * time.Minute)
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(30 * time.Minute)
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 50
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}

	if cfg.Worker.HeartbeatInterval == 0 {
		cfg.Worker.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Worker.StaleAfter == 0 {
		cfg.Worker.StaleAfter = Duration(2 * time.Minute)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "devflow"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
		cfg.Telemetry.Insecure = true
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.MaxValidationRetries < 1 {
		return fmt.Errorf("engine.max_validation_retries must be >= 1, got %d", c.Engine.MaxValidationRetries)
	}
	if c.Engine.MaxCIFixAttempts < 1 {
		return fmt.Errorf("engine.max_ci_fix_attempts must be >= 1, got %d", c.Engine.MaxCIFixAttempts)
	}
	if c.Engine.CIPollInterval.Duration() <= 0 {
		return fmt.Errorf("engine.ci_poll_interval must be > 0")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command cannot be empty")
	}
	if c.Agent.Timeout.Duration() <= 0 {
		return fmt.Errorf("agent.timeout must be > 0")
	}
	if c.Worker.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}
