package tactile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLogger fans execution events out to callbacks, an optional JSONL file
// and aggregate metrics.
type AuditLogger struct {
	mu sync.RWMutex

	callbacks  []func(AuditEvent)
	fileLogger *AuditFileLogger
	metrics    *ExecutionMetrics
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{
		callbacks: make([]func(AuditEvent), 0),
		metrics:   NewExecutionMetrics(),
	}
}

// AddCallback adds a callback function for audit events.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// EnableFileLogging enables logging to a file.
func (l *AuditLogger) EnableFileLogging(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fl, err := NewAuditFileLogger(path)
	if err != nil {
		return err
	}
	if l.fileLogger != nil {
		l.fileLogger.Close()
	}
	l.fileLogger = fl
	return nil
}

// Close closes the audit logger and any file handles.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLogger != nil {
		err := l.fileLogger.Close()
		l.fileLogger = nil
		return err
	}
	return nil
}

// Log logs an audit event.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	fileLogger := l.fileLogger
	metrics := l.metrics
	l.mu.RUnlock()

	if metrics != nil {
		metrics.RecordEvent(event)
	}

	for _, cb := range callbacks {
		cb(event)
	}

	if fileLogger != nil {
		_ = fileLogger.Write(event)
	}
}

// GetMetrics returns the current execution metrics.
func (l *AuditLogger) GetMetrics() ExecutionMetricsSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.metrics == nil {
		return ExecutionMetricsSnapshot{}
	}
	return l.metrics.Snapshot()
}

// AuditFileLogger writes audit events to a file in JSON Lines format.
type AuditFileLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditFileLogger creates a new file logger.
func NewAuditFileLogger(path string) (*AuditFileLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &AuditFileLogger{
		file: file,
		path: path,
	}, nil
}

// auditRecord is the on-disk shape: the result is flattened and the output
// dropped, since the batch log already holds it.
type auditRecord struct {
	Type       AuditEventType `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Executor   string         `json:"executor"`
	Command    string         `json:"command"`
	Attempt    int            `json:"attempt,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	KillReason string         `json:"kill_reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	MaxRSS     int64          `json:"max_rss_bytes,omitempty"`
}

func newAuditRecord(event AuditEvent) auditRecord {
	rec := auditRecord{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		RequestID: event.Command.RequestID,
		Executor:  event.ExecutorName,
		Command:   event.Command.CommandString(),
		Attempt:   event.Attempt,
	}
	if r := event.Result; r != nil {
		code := r.ExitCode
		rec.ExitCode = &code
		rec.DurationMs = r.Duration.Milliseconds()
		rec.KillReason = r.KillReason
		rec.Error = r.Error
		if r.ResourceUsage != nil {
			rec.MaxRSS = r.ResourceUsage.MaxRSSBytes
		}
	}
	return rec
}

// Write writes an event to the log file.
func (l *AuditFileLogger) Write(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log file not open")
	}

	data, err := json.Marshal(newAuditRecord(event))
	if err != nil {
		return err
	}

	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Close closes the log file.
func (l *AuditFileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ExecutionMetrics tracks aggregate execution statistics.
type ExecutionMetrics struct {
	mu sync.RWMutex

	totalExecutions      int64
	successfulExecutions int64
	nonZeroExecutions    int64
	failedExecutions     int64
	killedExecutions     int64
	retries              int64

	totalDurationMs int64
	totalCPUTimeMs  int64
	peakMemoryBytes int64
	executionsByRun map[string]int64
	lastEventTime   time.Time
}

// NewExecutionMetrics creates a new metrics tracker.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		executionsByRun: make(map[string]int64),
	}
}

// RecordEvent updates metrics based on an audit event.
func (m *ExecutionMetrics) RecordEvent(event AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEventTime = event.Timestamp

	switch event.Type {
	case AuditEventStart:
		m.totalExecutions++
		if event.RunID != "" {
			m.executionsByRun[event.RunID]++
		}

	case AuditEventComplete:
		if event.Result != nil {
			if event.Result.ExitCode == 0 {
				m.successfulExecutions++
			} else {
				m.nonZeroExecutions++
			}
			m.totalDurationMs += event.Result.Duration.Milliseconds()

			if ru := event.Result.ResourceUsage; ru != nil {
				m.totalCPUTimeMs += ru.TotalCPUTimeMs()
				if ru.MaxRSSBytes > m.peakMemoryBytes {
					m.peakMemoryBytes = ru.MaxRSSBytes
				}
			}
		}

	case AuditEventKilled:
		m.killedExecutions++
		if event.Result != nil {
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventError:
		m.failedExecutions++

	case AuditEventRetry:
		m.retries++
	}
}

// ExecutionMetricsSnapshot is a point-in-time snapshot of metrics.
type ExecutionMetricsSnapshot struct {
	TotalExecutions      int64            `json:"total_executions"`
	SuccessfulExecutions int64            `json:"successful_executions"`
	NonZeroExecutions    int64            `json:"nonzero_executions"`
	FailedExecutions     int64            `json:"failed_executions"`
	KilledExecutions     int64            `json:"killed_executions"`
	Retries              int64            `json:"retries"`
	TotalDurationMs      int64            `json:"total_duration_ms"`
	TotalCPUTimeMs       int64            `json:"total_cpu_time_ms"`
	PeakMemoryBytes      int64            `json:"peak_memory_bytes"`
	ExecutionsByRun      map[string]int64 `json:"executions_by_run"`
	LastEventTime        time.Time        `json:"last_event_time"`
	SuccessRate          float64          `json:"success_rate"`
	AvgDurationMs        float64          `json:"avg_duration_ms"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *ExecutionMetrics) Snapshot() ExecutionMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRun := make(map[string]int64, len(m.executionsByRun))
	for k, v := range m.executionsByRun {
		byRun[k] = v
	}

	successRate := float64(0)
	avgDuration := float64(0)
	completed := m.successfulExecutions + m.nonZeroExecutions + m.failedExecutions + m.killedExecutions
	if completed > 0 {
		successRate = float64(m.successfulExecutions) / float64(completed)
		avgDuration = float64(m.totalDurationMs) / float64(completed)
	}

	return ExecutionMetricsSnapshot{
		TotalExecutions:      m.totalExecutions,
		SuccessfulExecutions: m.successfulExecutions,
		NonZeroExecutions:    m.nonZeroExecutions,
		FailedExecutions:     m.failedExecutions,
		KilledExecutions:     m.killedExecutions,
		Retries:              m.retries,
		TotalDurationMs:      m.totalDurationMs,
		TotalCPUTimeMs:       m.totalCPUTimeMs,
		PeakMemoryBytes:      m.peakMemoryBytes,
		ExecutionsByRun:      byRun,
		LastEventTime:        m.lastEventTime,
		SuccessRate:          successRate,
		AvgDurationMs:        avgDuration,
	}
}

// Reset clears all metrics.
func (m *ExecutionMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalExecutions = 0
	m.successfulExecutions = 0
	m.nonZeroExecutions = 0
	m.failedExecutions = 0
	m.killedExecutions = 0
	m.retries = 0
	m.totalDurationMs = 0
	m.totalCPUTimeMs = 0
	m.peakMemoryBytes = 0
	m.executionsByRun = make(map[string]int64)
	m.lastEventTime = time.Time{}
}

// AuditedExecutorWrapper wraps any Executor to add audit logging.
type AuditedExecutorWrapper struct {
	executor Executor
	logger   *AuditLogger
}

// NewAuditedExecutor wraps an executor with audit logging.
func NewAuditedExecutor(executor Executor, logger *AuditLogger) *AuditedExecutorWrapper {
	if audited, ok := executor.(auditSource); ok {
		audited.SetAuditCallback(logger.Log)
	}

	return &AuditedExecutorWrapper{
		executor: executor,
		logger:   logger,
	}
}

// Execute runs a command; events reach the logger through the callback.
func (w *AuditedExecutorWrapper) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	return w.executor.Execute(ctx, cmd)
}

// Capabilities returns the wrapped executor's capabilities.
func (w *AuditedExecutorWrapper) Capabilities() ExecutorCapabilities {
	return w.executor.Capabilities()
}

// Validate validates a command.
func (w *AuditedExecutorWrapper) Validate(cmd Command) error {
	return w.executor.Validate(cmd)
}
