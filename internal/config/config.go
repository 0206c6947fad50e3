package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tlsbatch configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Pipeline describes the external script invoked once per mapping line
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Execution settings for the process executor
	Execution ExecutionConfig `yaml:"execution"`

	// Run ledger
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Release check
	Update UpdateConfig `yaml:"update"`
}

// StoreConfig configures the SQLite run ledger.
type StoreConfig struct {
	Enabled bool `yaml:"enabled"`

	// DatabasePath is relative to the workspace .tlsbatch directory unless absolute.
	DatabasePath string `yaml:"database_path"`
}

// UpdateConfig configures `version --check`. Empty owner or repository disables it.
type UpdateConfig struct {
	GithubOwner      string `yaml:"github_owner"`
	GithubRepository string `yaml:"github_repository"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tlsbatch",
		Version: "0.3.0",

		Pipeline: DefaultPipelineConfig(),

		Execution: ExecutionConfig{
			DefaultTimeout: "0",
			InheritEnv:     true,
			AllowedEnvVars: []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "CONDA_PREFIX", "PYTHONPATH"},
			MaxOutputBytes: 1024 * 1024,
			Jobs:           1,
			Retries:        0,
		},

		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: "runs.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TLSBATCH_SCRIPT"); v != "" {
		c.Pipeline.Script = v
	}
	if v := os.Getenv("TLSBATCH_GERMLINE_DIR"); v != "" {
		c.Pipeline.GermlineDir = v
	}
	if v := os.Getenv("TLSBATCH_NPROC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Nproc = n
		}
	}
	if v := os.Getenv("TLSBATCH_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("TLSBATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetExecutionTimeout returns the per-invocation timeout.
// Zero means the pipeline may run indefinitely.
func (c *Config) GetExecutionTimeout() time.Duration {
	if c.Execution.DefaultTimeout == "" || c.Execution.DefaultTimeout == "0" {
		return 0
	}
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// DatabasePath resolves the ledger path against the workspace directory.
func (c *Config) DatabasePath(workspace string) string {
	if filepath.IsAbs(c.Store.DatabasePath) {
		return c.Store.DatabasePath
	}
	return filepath.Join(workspace, ".tlsbatch", c.Store.DatabasePath)
}

// DefaultPath returns the config file location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".tlsbatch", "config.yaml")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pipeline.Nproc < 1 {
		return fmt.Errorf("pipeline.nproc must be >= 1, got %d", c.Pipeline.Nproc)
	}
	if c.Execution.Jobs < 1 {
		return fmt.Errorf("execution.jobs must be >= 1, got %d", c.Execution.Jobs)
	}
	if c.Execution.Retries < 0 {
		return fmt.Errorf("execution.retries must be >= 0, got %d", c.Execution.Retries)
	}
	if c.Execution.DefaultTimeout != "" && c.Execution.DefaultTimeout != "0" {
		if _, err := time.ParseDuration(c.Execution.DefaultTimeout); err != nil {
			return fmt.Errorf("invalid execution.default_timeout %q: %w", c.Execution.DefaultTimeout, err)
		}
	}
	return c.Logging.validate()
}

// ValidateForRun additionally requires the fields a batch run cannot do without.
func (c *Config) ValidateForRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Script == "" {
		return fmt.Errorf("pipeline script not configured (set pipeline.script, --script or TLSBATCH_SCRIPT)")
	}
	if c.Pipeline.GermlineDir == "" {
		return fmt.Errorf("germline directory not configured (set pipeline.germline_dir, --germline or TLSBATCH_GERMLINE_DIR)")
	}
	return nil
}
