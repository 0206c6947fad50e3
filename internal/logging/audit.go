package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of run-level audit event.
type AuditEventType string

const (
	AuditRunStart    AuditEventType = "run_start"
	AuditRunFinish   AuditEventType = "run_finish"
	AuditRunAbort    AuditEventType = "run_abort"
	AuditItemStart   AuditEventType = "item_start"
	AuditItemFinish  AuditEventType = "item_finish"
	AuditItemSkip    AuditEventType = "item_skip"
	AuditItemInvalid AuditEventType = "item_invalid"
	AuditParseDbOp   AuditEventType = "parsedb_op"
)

// AuditEvent is one JSON line in the audit log.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Line       int                    `json:"line,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events scoped to a run.
type AuditLogger struct {
	runID string
}

// InitAudit opens the audit log. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(LogsDir(), fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRun creates an audit logger scoped to a run.
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// ItemFinish records the outcome of one mapping line.
func (a *AuditLogger) ItemFinish(line int, folder string, exitCode int, dur time.Duration, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditItemFinish,
		Line:       line,
		Target:     folder,
		Success:    exitCode == 0 && errMsg == "",
		DurationMs: dur.Milliseconds(),
		Error:      errMsg,
		Fields:     map[string]interface{}{"exit_code": exitCode},
	})
}
