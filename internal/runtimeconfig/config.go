// Package runtimeconfig loads the runbox configuration file and merges
// environment overrides into a single Config value. Business logic never
// reads the process environment directly: the resolved Config is passed into
// the executor service at construction.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runbox/runbox/internal/paths"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Deployed is true when running on the constrained serverless platform
	// that has no usable local interpreter.
	Deployed bool `yaml:"deployed"`
	// RemoteSandboxEnabled gates the remote sandbox backend. Both flags must
	// be set for it to be selectable.
	RemoteSandboxEnabled bool `yaml:"remote_sandbox_enabled"`

	Interpreter InterpreterConfig `yaml:"interpreter"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Execution   ExecutionConfig   `yaml:"execution"`
	StateDBPath string            `yaml:"state_db_path"`
}

type InterpreterConfig struct {
	Binary string `yaml:"binary"`
}

type SandboxConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Runtime  string `yaml:"runtime"`
	// SessionIdleMinutes is the idle timeout for session-scoped sandboxes.
	SessionIdleMinutes int64 `yaml:"session_idle_minutes"`
	// EphemeralIdleSeconds is the idle timeout for one-shot preview sandboxes.
	EphemeralIdleSeconds int64 `yaml:"ephemeral_idle_seconds"`
}

type ExecutionConfig struct {
	DefaultTimeoutSeconds   int64 `yaml:"default_timeout_seconds"`
	TraceTimeoutSeconds     int64 `yaml:"trace_timeout_seconds"`
	EphemeralMaxTimeoutSecs int64 `yaml:"ephemeral_max_timeout_seconds"`
}

// Defaults mirror the production deployment's values.
const (
	DefaultInterpreterBinary    = "python3"
	DefaultSandboxRuntime       = "python3.12"
	DefaultSessionIdleMinutes   = 45
	DefaultEphemeralIdleSeconds = 60
	DefaultTimeoutSeconds       = 10
	DefaultTraceTimeoutSeconds  = 10
	DefaultEphemeralMaxSeconds  = 30
)

func Path() (string, error) {
	return paths.ConfigFilePath()
}

// Load reads the config file (missing file is not an error), applies
// environment overrides, and fills defaults. The returned path names the file
// that was consulted.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, path, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg, path, nil
}

// applyEnv layers RUNBOX_* environment variables over file values. The getenv
// indirection keeps tests hermetic.
func (c *Config) applyEnv(getenv func(string) string) {
	if v, ok := envBool(getenv("RUNBOX_DEPLOYED")); ok {
		c.Deployed = v
	}
	if v, ok := envBool(getenv("RUNBOX_REMOTE_SANDBOX_ENABLED")); ok {
		c.RemoteSandboxEnabled = v
	}
	if v := strings.TrimSpace(getenv("RUNBOX_SANDBOX_ENDPOINT")); v != "" {
		c.Sandbox.Endpoint = v
	}
	if v := strings.TrimSpace(getenv("RUNBOX_SANDBOX_API_KEY")); v != "" {
		c.Sandbox.APIKey = v
	}
	if v := strings.TrimSpace(getenv("RUNBOX_SANDBOX_RUNTIME")); v != "" {
		c.Sandbox.Runtime = v
	}
	if v := strings.TrimSpace(getenv("RUNBOX_INTERPRETER")); v != "" {
		c.Interpreter.Binary = v
	}
	if v := strings.TrimSpace(getenv("RUNBOX_STATE_DB")); v != "" {
		c.StateDBPath = v
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Interpreter.Binary) == "" {
		c.Interpreter.Binary = DefaultInterpreterBinary
	}
	if strings.TrimSpace(c.Sandbox.Runtime) == "" {
		c.Sandbox.Runtime = DefaultSandboxRuntime
	}
	if c.Sandbox.SessionIdleMinutes <= 0 {
		c.Sandbox.SessionIdleMinutes = DefaultSessionIdleMinutes
	}
	if c.Sandbox.EphemeralIdleSeconds <= 0 {
		c.Sandbox.EphemeralIdleSeconds = DefaultEphemeralIdleSeconds
	}
	if c.Execution.DefaultTimeoutSeconds <= 0 {
		c.Execution.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Execution.TraceTimeoutSeconds <= 0 {
		c.Execution.TraceTimeoutSeconds = DefaultTraceTimeoutSeconds
	}
	if c.Execution.EphemeralMaxTimeoutSecs <= 0 {
		c.Execution.EphemeralMaxTimeoutSecs = DefaultEphemeralMaxSeconds
	}
}

// DefaultTimeout is the execution timeout as a duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Execution.DefaultTimeoutSeconds) * time.Second
}

// TraceTimeout is the trace timeout as a duration.
func (c Config) TraceTimeout() time.Duration {
	return time.Duration(c.Execution.TraceTimeoutSeconds) * time.Second
}

// EphemeralMaxTimeout is the hard cap on ephemeral execution timeouts.
func (c Config) EphemeralMaxTimeout() time.Duration {
	return time.Duration(c.Execution.EphemeralMaxTimeoutSecs) * time.Second
}

// SessionIdleTimeout is the idle timeout for session-scoped sandboxes.
func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.SessionIdleMinutes) * time.Minute
}

// EphemeralIdleTimeout is the idle timeout for one-shot sandboxes.
func (c Config) EphemeralIdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.EphemeralIdleSeconds) * time.Second
}

// StatePath resolves the state database location, defaulting to the user
// data directory.
func (c Config) StatePath() (string, error) {
	if strings.TrimSpace(c.StateDBPath) != "" {
		return c.StateDBPath, nil
	}
	return paths.StateDBPath()
}

func envBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
