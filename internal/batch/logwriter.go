package batch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogWriter appends to the batch log. Writes are serialised so concurrent
// items never interleave within a single write.
type LogWriter struct {
	mu   sync.Mutex
	w    io.Writer
	c    io.Closer
	path string

	// now stamps markers.
	now func() time.Time
}

// OpenLog opens path for appending, creating parent directories.
func OpenLog(path string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &LogWriter{w: f, c: f, path: path, now: time.Now}, nil
}

// NewLogWriter wraps w, for dry runs and tests.
func NewLogWriter(w io.Writer) *LogWriter {
	return &LogWriter{w: w, now: time.Now}
}

// Path returns the file path, empty for wrapped writers.
func (l *LogWriter) Path() string { return l.path }

func (l *LogWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Markf writes one timestamped marker line in date(1) format.
func (l *LogWriter) Markf(format string, args ...interface{}) error {
	_, err := l.Write([]byte(marker(l.now(), format, args...)))
	return err
}

func marker(t time.Time, format string, args ...interface{}) string {
	return t.Format(time.UnixDate) + " " + fmt.Sprintf(format, args...) + "\n"
}

// Close closes the underlying file, if any.
func (l *LogWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	err := l.c.Close()
	l.c = nil
	return err
}
