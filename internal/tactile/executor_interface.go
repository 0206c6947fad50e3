package tactile

import "context"

// Executor runs pipeline commands. DirectExecutor does the work; the audit
// and retry wrappers decorate it.
type Executor interface {
	// Execute runs cmd until it exits, times out or ctx is cancelled. A
	// non-nil error means cmd was rejected before anything ran.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	Capabilities() ExecutorCapabilities

	// Validate reports why cmd cannot run, or nil.
	Validate(cmd Command) error
}

// auditSource is implemented by executors that emit their own lifecycle
// events.
type auditSource interface {
	SetAuditCallback(callback func(AuditEvent))
}
