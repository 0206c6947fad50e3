// Package tactile is the process execution layer of tlsbatch.
// It runs the external submission pipeline, one host process per mapping line,
// and reports a structured result for every invocation.
//
// Design Principles:
//   - Minimal logic: argument derivation happens in the batch package, not here
//   - Streaming: output can be forwarded to a log while it is being captured
//   - Bounded memory: only the tail of long pipeline output is kept
//   - Audit trail: every execution emits start/complete/killed/error events
package tactile

import (
	"io"
	"strings"
	"time"
)

// Command represents a command to be executed.
type Command struct {
	// Binary is the executable to run (e.g. "bash" or the pipeline script).
	Binary string `json:"binary"`

	// Arguments are the command-line arguments, passed verbatim.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are appended after the executor's base environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Stream receives stdout and stderr as they are produced.
	Stream io.Writer `json:"-"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// RunID links this execution to a batch run (for audit).
	RunID string `json:"run_id,omitempty"`

	// RequestID uniquely identifies this execution request.
	RequestID string `json:"request_id,omitempty"`

	// Tags are arbitrary key-value pairs for categorization and audit.
	Tags map[string]string `json:"tags,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured output kept in memory.
	// Zero means use the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecutionResult is the comprehensive output of command execution.
type ExecutionResult struct {
	// Success indicates whether the execution infrastructure worked.
	// Note: A command that runs but returns non-zero exit code has Success=true.
	// Success=false means the process could not be started or waited on.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output (head, up to the output limit).
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error (head, up to the output limit).
	Stderr string `json:"stderr"`

	// Combined is the tail of stdout+stderr interleaved in arrival order.
	Combined string `json:"combined"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// ResourceUsage contains resource consumption metrics (if available).
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// Attempts is how many times the command was started (retry wrapper).
	Attempts int `json:"attempts,omitempty"`

	// Command is a copy of the command that was executed (for audit).
	Command *Command `json:"command,omitempty"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && !r.Killed && r.ExitCode != 0
}

// Output returns Combined if available, otherwise Stdout+Stderr.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// TailLines returns at most n trailing lines of the combined output.
func (r *ExecutionResult) TailLines(n int) []string {
	out := strings.TrimRight(r.Output(), "\n")
	if out == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(out, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`

	// MaxRSSBytes is peak resident set size in bytes.
	MaxRSSBytes int64 `json:"max_rss_bytes"`

	DiskReadBytes  int64 `json:"disk_read_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`

	VoluntaryContextSwitches   int64 `json:"voluntary_context_switches"`
	InvoluntaryContextSwitches int64 `json:"involuntary_context_switches"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorCapabilities describes what an executor can do.
type ExecutorCapabilities struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`

	SupportsResourceUsage bool `json:"supports_resource_usage"`
	SupportsStdin         bool `json:"supports_stdin"`
	SupportsStreaming     bool `json:"supports_streaming"`

	// MaxTimeout is the maximum allowed timeout (0 = unlimited).
	MaxTimeout time.Duration `json:"max_timeout"`

	// DefaultTimeout is used when no timeout is specified (0 = unlimited).
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
	AuditEventRetry    AuditEventType = "retry"
)

// AuditEvent represents an execution event.
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`

	Command Command `json:"command"`

	// Result is the execution result (for complete/killed/error events).
	Result *ExecutionResult `json:"result,omitempty"`

	RunID string `json:"run_id,omitempty"`

	// ExecutorName is which executor handled this.
	ExecutorName string `json:"executor_name"`

	// Attempt is set on retry events.
	Attempt int `json:"attempt,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified. Zero = unlimited.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values. Zero = no cap.
	MaxTimeout time.Duration `json:"max_timeout"`

	// InheritEnvironment passes the full process environment through.
	InheritEnvironment bool `json:"inherit_environment"`

	// AllowedEnvironment lists environment variables to pass through
	// when InheritEnvironment is false.
	AllowedEnvironment []string `json:"allowed_environment"`

	// DefaultLimits is applied when Command.Limits is nil.
	DefaultLimits *ResourceLimits `json:"default_limits,omitempty"`

	// MaxOutputBytes caps output kept in memory (default 1MB).
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// AuditCallback is called for each execution event (optional).
	AuditCallback func(AuditEvent) `json:"-"`

	// EnableResourceUsage enables collection of resource metrics.
	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns sensible defaults for long-running pipelines.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:   ".",
		DefaultTimeout:      0,
		InheritEnvironment:  true,
		MaxOutputBytes:      1024 * 1024,
		AllowedEnvironment:  []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR"},
		EnableResourceUsage: true,
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	if result.Limits == nil && c.DefaultLimits != nil {
		limitsCopy := *c.DefaultLimits
		result.Limits = &limitsCopy
	} else if result.Limits != nil && c.DefaultLimits != nil {
		limitsCopy := *result.Limits
		if limitsCopy.TimeoutMs == 0 {
			limitsCopy.TimeoutMs = c.DefaultLimits.TimeoutMs
		}
		if limitsCopy.MaxOutputBytes == 0 {
			limitsCopy.MaxOutputBytes = c.DefaultLimits.MaxOutputBytes
		}
		result.Limits = &limitsCopy
	}

	// Cap timeout at max
	if result.Limits != nil && c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if result.Limits.TimeoutMs > maxMs {
			limitsCopy := *result.Limits
			limitsCopy.TimeoutMs = maxMs
			result.Limits = &limitsCopy
		}
	}

	return result
}

// Timeout resolves the effective timeout for a merged command.
func (c ExecutorConfig) Timeout(cmd Command) time.Duration {
	timeout := c.DefaultTimeout
	if cmd.Limits != nil && cmd.Limits.TimeoutMs > 0 {
		timeout = time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
	}
	if c.MaxTimeout > 0 && (timeout == 0 || timeout > c.MaxTimeout) {
		timeout = c.MaxTimeout
	}
	return timeout
}
