// Package logging provides config-driven categorized file-based logging for tlsbatch.
// Logs are written to .tlsbatch/logs/ with separate files per category.
// Logging is controlled by debug_mode in the logging settings - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Boot/initialization
	CategoryBatch   Category = "batch"   // Mapping-file loop, item lifecycle
	CategoryExec    Category = "exec"    // External process execution
	CategoryStore   Category = "store"   // Run ledger operations
	CategoryParseDb Category = "parsedb" // Change-O database operations
	CategoryIMGT    Category = "imgt"    // IMGT archive inspection
	CategoryWatch   Category = "watch"   // Mapping file watcher
)

// Settings mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Settings struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
	Format     string // json or text
}

// Logger is a category-scoped logger backed by zap.
// A Logger with a nil sugar is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	workspace string
	settings  Settings
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory for the given workspace.
// Should be called once at startup.
func Initialize(ws string, s Settings) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	configMu.Lock()
	workspace = ws
	logsDir = filepath.Join(workspace, ".tlsbatch", "logs")
	settings = s
	level.SetLevel(parseLevel(s.Level))
	configMu.Unlock()

	// Only create logs directory if debug mode is enabled
	if !s.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== tlsbatch logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level.Level())

	if len(s.Categories) > 0 {
		enabledCount := 0
		for cat, enabled := range s.Categories {
			if enabled {
				enabledCount++
			}
			boot.Debug("Category '%s': %v", cat, enabled)
		}
		boot.Info("Enabled categories: %d/%d", enabledCount, len(s.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}

	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogsDir returns the directory log files are written to (empty before Initialize).
func LogsDir() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return logsDir
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || LogsDir() == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(LogsDir(), fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func newEncoder() zapcore.Encoder {
	configMu.RLock()
	format := settings.Format
	configMu.RUnlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.NameKey = "cat"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying additional structured fields (key, value pairs).
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRequestID creates a request-scoped logger, e.g. for one run or one mapping line.
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("req", requestID)
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// Batch logs to the batch category
func Batch(format string, args ...interface{}) { Get(CategoryBatch).Info(format, args...) }

// BatchDebug logs debug to the batch category
func BatchDebug(format string, args ...interface{}) { Get(CategoryBatch).Debug(format, args...) }

// BatchWarn logs warning to the batch category
func BatchWarn(format string, args ...interface{}) { Get(CategoryBatch).Warn(format, args...) }

// BatchError logs error to the batch category
func BatchError(format string, args ...interface{}) { Get(CategoryBatch).Error(format, args...) }

// Exec logs to the exec category
func Exec(format string, args ...interface{}) { Get(CategoryExec).Info(format, args...) }

// ExecDebug logs debug to the exec category
func ExecDebug(format string, args ...interface{}) { Get(CategoryExec).Debug(format, args...) }

// ExecWarn logs warning to the exec category
func ExecWarn(format string, args ...interface{}) { Get(CategoryExec).Warn(format, args...) }

// ExecError logs error to the exec category
func ExecError(format string, args ...interface{}) { Get(CategoryExec).Error(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

// ParseDb logs to the parsedb category
func ParseDb(format string, args ...interface{}) { Get(CategoryParseDb).Info(format, args...) }

// ParseDbDebug logs debug to the parsedb category
func ParseDbDebug(format string, args ...interface{}) { Get(CategoryParseDb).Debug(format, args...) }

// IMGT logs to the imgt category
func IMGT(format string, args ...interface{}) { Get(CategoryIMGT).Info(format, args...) }

// IMGTDebug logs debug to the imgt category
func IMGTDebug(format string, args ...interface{}) { Get(CategoryIMGT).Debug(format, args...) }

// Watch logs to the watch category
func Watch(format string, args ...interface{}) { Get(CategoryWatch).Info(format, args...) }

// WatchDebug logs debug to the watch category
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debug(format, args...) }

// WatchWarn logs warning to the watch category
func WatchWarn(format string, args ...interface{}) { Get(CategoryWatch).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
