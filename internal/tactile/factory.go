package tactile

import (
	"context"
	"time"

	"tlsbatch/internal/logging"
)

// ExecutorFactory creates executors based on configuration.
type ExecutorFactory struct {
	config ExecutorConfig
}

// NewExecutorFactory creates a new executor factory.
func NewExecutorFactory(config ExecutorConfig) *ExecutorFactory {
	return &ExecutorFactory{config: config}
}

// CreateDirect creates a direct executor.
func (f *ExecutorFactory) CreateDirect() *DirectExecutor {
	return NewDirectExecutorWithConfig(f.config)
}

// CreateAudited wraps an executor with audit logging.
// A nil logger gets a fresh in-memory AuditLogger.
func (f *ExecutorFactory) CreateAudited(executor Executor, logger *AuditLogger) *AuditedExecutorWrapper {
	if logger == nil {
		logger = NewAuditLogger()
	}
	return NewAuditedExecutor(executor, logger)
}

// RetryPolicy controls the RetryExecutor built by Create.
type RetryPolicy struct {
	MaxRetries     int
	RetryOnNonZero bool
}

// Create builds the stack used for pipeline runs: a direct executor, audited
// when a logger is given, wrapped in a RetryExecutor when retries are enabled.
func (f *ExecutorFactory) Create(policy RetryPolicy, logger *AuditLogger) Executor {
	var executor Executor = f.CreateDirect()
	if logger != nil {
		executor = f.CreateAudited(executor, logger)
	}
	if policy.MaxRetries <= 0 {
		return executor
	}

	retry := NewRetryExecutor(executor, policy.MaxRetries)
	retry.RetryOnNonZero = policy.RetryOnNonZero
	if logger != nil {
		retry.OnRetry = func(attempt int, cmd Command, result *ExecutionResult) {
			logger.Log(AuditEvent{
				Type:         AuditEventRetry,
				Timestamp:    time.Now(),
				Command:      cmd,
				Result:       result,
				RunID:        cmd.RunID,
				ExecutorName: "retry",
				Attempt:      attempt,
			})
		}
	}
	return retry
}

// RetryExecutor wraps an executor with automatic retry logic.
type RetryExecutor struct {
	executor   Executor
	maxRetries int
	retryDelay func(attempt int) time.Duration

	// RetryOnNonZero also retries commands that ran and exited non-zero.
	RetryOnNonZero bool

	// OnRetry is called before each retry attempt (optional).
	OnRetry func(attempt int, cmd Command, result *ExecutionResult)
}

// NewRetryExecutor creates a new retry executor.
func NewRetryExecutor(executor Executor, maxRetries int) *RetryExecutor {
	return &RetryExecutor{
		executor:   executor,
		maxRetries: maxRetries,
		retryDelay: func(attempt int) time.Duration {
			// Exponential backoff: 1s, 2s, 4s, ... capped at one minute
			d := time.Second << attempt
			if d > time.Minute || d <= 0 {
				d = time.Minute
			}
			return d
		},
	}
}

// Execute runs a command with automatic retries on transient failures.
func (r *RetryExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	var lastResult *ExecutionResult
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attempts++
		result, err := r.executor.Execute(ctx, cmd)
		lastResult, lastErr = result, err

		if !r.shouldRetry(result, err) || attempt == r.maxRetries || ctx.Err() != nil {
			break
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt+1, cmd, result)
		}
		delay := r.retryDelay(attempt)
		logging.ExecWarn("Retrying %s (attempt %d/%d) in %s", cmd.Binary, attempt+2, r.maxRetries+1, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastResult != nil {
				lastResult.Attempts = attempts
			}
			return lastResult, lastErr
		case <-timer.C:
		}
	}

	if lastResult != nil {
		lastResult.Attempts = attempts
	}
	return lastResult, lastErr
}

// shouldRetry determines if a failed execution should be retried.
func (r *RetryExecutor) shouldRetry(result *ExecutionResult, err error) bool {
	// Validation errors will not go away
	if err != nil || result == nil {
		return false
	}

	// Don't retry if command was killed (timeout, canceled)
	if result.Killed {
		return false
	}

	// Infrastructure failure (could not start)
	if result.IsError() {
		return true
	}

	return r.RetryOnNonZero && result.IsNonZeroExit()
}

// Capabilities returns the wrapped executor's capabilities.
func (r *RetryExecutor) Capabilities() ExecutorCapabilities {
	caps := r.executor.Capabilities()
	caps.Name = "retry(" + caps.Name + ")"
	return caps
}

// Validate validates a command.
func (r *RetryExecutor) Validate(cmd Command) error {
	return r.executor.Validate(cmd)
}
