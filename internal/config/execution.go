package config

// ExecutionConfig configures the process executor.
type ExecutionConfig struct {
	// Per-invocation timeout ("0" = unlimited)
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// InheritEnv passes the whole parent environment to the pipeline
	InheritEnv bool `yaml:"inherit_env" json:"inherit_env"`

	// Environment variables to pass when InheritEnv is false
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`

	// MaxOutputBytes caps the output kept in memory per invocation (the log file gets everything)
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Jobs is the number of mapping lines processed at once
	Jobs int `yaml:"jobs" json:"jobs"`

	// Retries per invocation after an infrastructure failure
	Retries int `yaml:"retries" json:"retries"`

	// RetryOnNonZero also retries invocations that exit non-zero
	RetryOnNonZero bool `yaml:"retry_on_nonzero" json:"retry_on_nonzero,omitempty"`
}
