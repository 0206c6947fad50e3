package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"tlsbatch/internal/logging"
)

// waitDelay bounds how long Wait blocks on output pipes after the process is gone.
const waitDelay = 10 * time.Second

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.ExecDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes, inheritEnv=%v",
		config.DefaultTimeout, config.MaxOutputBytes, config.InheritEnvironment)
	return &DirectExecutor{
		config:        config,
		auditCallback: config.AuditCallback,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *DirectExecutor) emitAudit(eventType AuditEventType, cmd Command, result *ExecutionResult) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(AuditEvent{
			Type:         eventType,
			Timestamp:    time.Now(),
			Command:      cmd,
			Result:       result,
			RunID:        cmd.RunID,
			ExecutorName: "direct",
		})
	}
}

// Capabilities returns what this executor supports.
func (e *DirectExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:                  "direct",
		Platform:              runtime.GOOS,
		SupportsResourceUsage: runtime.GOOS != "windows",
		SupportsStdin:         true,
		SupportsStreaming:     true,
		MaxTimeout:            e.config.MaxTimeout,
		DefaultTimeout:        e.config.DefaultTimeout,
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Limits != nil && cmd.Limits.TimeoutMs < 0 {
		return fmt.Errorf("negative timeout: %dms", cmd.Limits.TimeoutMs)
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryExec, "Direct command execution")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.ExecWarn("Command validation failed: %s %v - %v", cmd.Binary, cmd.Arguments, err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	timeout := e.config.Timeout(cmd)

	logging.Exec("Executing: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	e.emitAudit(AuditEventStart, cmd, nil)

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = waitDelay

	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	maxOutput := e.config.MaxOutputBytes
	if cmd.Limits != nil && cmd.Limits.MaxOutputBytes > 0 {
		maxOutput = cmd.Limits.MaxOutputBytes
	}
	if maxOutput <= 0 {
		maxOutput = DefaultExecutorConfig().MaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	combined := &streamWriter{tail: newTailBuffer(maxOutput), stream: cmd.Stream}

	execCmd.Stdout = io.MultiWriter(stdoutLimited, combined)
	execCmd.Stderr = io.MultiWriter(stderrLimited, combined)

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = combined.tail.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.ExecDebug("Captured output truncated: %d bytes discarded", result.TruncatedBytes)
	}
	if combined.streamErr != nil {
		logging.ExecWarn("Output stream write failed for %s: %v", cmd.Binary, combined.streamErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			result.Success = true
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			}
			logging.ExecWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
			e.emitAudit(AuditEventKilled, cmd, result)
			return result, nil
		case ctx.Err() != nil:
			result.Killed = true
			result.KillReason = "context canceled"
			result.Success = true
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			}
			logging.ExecWarn("Command canceled: %s", cmd.Binary)
			e.emitAudit(AuditEventKilled, cmd, result)
			return result, nil
		case errors.As(err, &exitErr):
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
			logging.ExecDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
		default:
			result.Success = false
			result.Error = err.Error()
			logging.ExecError("Command failed: %s - %v", cmd.Binary, err)
			e.emitAudit(AuditEventError, cmd, result)
			return result, nil
		}
	} else {
		result.Success = true
		result.ExitCode = 0
	}

	result.ResourceUsage = e.getResourceUsage(execCmd)

	e.emitAudit(AuditEventComplete, cmd, result)

	logging.Exec("Command completed: %s -> exit=%d, duration=%s",
		cmd.Binary, result.ExitCode, result.Duration)

	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	var env []string
	if e.config.InheritEnvironment {
		env = os.Environ()
	} else {
		env = make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))
		for _, key := range e.config.AllowedEnvironment {
			if val, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+val)
			}
		}
	}

	// Later entries win in os/exec
	env = append(env, cmdEnv...)

	return env
}

func (e *DirectExecutor) getResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if !e.config.EnableResourceUsage {
		return nil
	}
	return getProcessResourceUsage(cmd)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func newTailBuffer(max int64) *tailBuffer {
	return &tailBuffer{max: int(max)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// streamWriter serialises stdout and stderr into the tail buffer and the
// caller's stream. A failing stream is remembered and then skipped so the
// process never sees a broken pipe because of it.
type streamWriter struct {
	mu        sync.Mutex
	tail      *tailBuffer
	stream    io.Writer
	streamErr error
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail.Write(p)
	if s.stream != nil && s.streamErr == nil {
		if _, err := s.stream.Write(p); err != nil {
			s.streamErr = err
		}
	}
	return len(p), nil
}
