package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for insight-agent.
//
// NOTE: Secrets (provider API keys) never live here. They are managed via a
// separate local secrets file next to this one (see SecretsStore).
type Config struct {
	// StateDir holds the conversation store, report files, and chart
	// artifacts. If empty, the agent defaults to ~/.insight-agent/state.
	StateDir string `json:"state_dir,omitempty"`

	// DatabasePath is the SQLite database the analysis tools query.
	DatabasePath string `json:"database_path"`

	// HTTPPort is the localhost port for the API server (default 24117).
	HTTPPort int `json:"http_port,omitempty"`

	// AI is the provider registry available to the orchestrator.
	AI *AIConfig `json:"ai,omitempty"`

	// MaxStepRetries is the per-step automatic retry budget applied by the
	// execution loop after the first failed attempt. Defaults to 1.
	MaxStepRetries *int `json:"max_step_retries,omitempty"`

	// StepTimeoutSeconds caps each tool invocation (query, transform,
	// render) on wall-clock time. A timeout follows the same failure path
	// as a tool error. Defaults to 120.
	StepTimeoutSeconds *int `json:"step_timeout_seconds,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	DefaultHTTPPort           = 24117
	DefaultMaxStepRetries     = 1
	DefaultStepTimeoutSeconds = 120
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("missing database_path")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	if c.MaxStepRetries != nil && *c.MaxStepRetries < 0 {
		return fmt.Errorf("invalid max_step_retries: %d", *c.MaxStepRetries)
	}
	if c.StepTimeoutSeconds != nil && *c.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid step_timeout_seconds: %d", *c.StepTimeoutSeconds)
	}
	if c.AI != nil {
		if err := c.AI.Validate(); err != nil {
			return fmt.Errorf("invalid ai config: %w", err)
		}
	}
	return nil
}

// EffectiveStateDir resolves StateDir with its default applied.
func (c *Config) EffectiveStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "insight-agent-state"
	}
	return filepath.Join(home, ".insight-agent", "state")
}

func (c *Config) EffectiveHTTPPort() int {
	if c == nil || c.HTTPPort == 0 {
		return DefaultHTTPPort
	}
	return c.HTTPPort
}

func (c *Config) EffectiveMaxStepRetries() int {
	if c == nil || c.MaxStepRetries == nil {
		return DefaultMaxStepRetries
	}
	return *c.MaxStepRetries
}

func (c *Config) EffectiveStepTimeoutSeconds() int {
	if c == nil || c.StepTimeoutSeconds == nil {
		return DefaultStepTimeoutSeconds
	}
	return *c.StepTimeoutSeconds
}

// DefaultConfigPath returns the default config path:
//
//	~/.insight-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "insight-agent.config.json"
	}
	return filepath.Join(home, ".insight-agent", "config.json")
}

// DefaultSecretsPath returns the secrets file path next to the config file.
func DefaultSecretsPath(configPath string) string {
	dir := filepath.Dir(filepath.Clean(strings.TrimSpace(configPath)))
	return filepath.Join(dir, "secrets.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
