package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tlsbatch/internal/logging"
	"tlsbatch/internal/mapping"
)

// Watcher re-reads the mapping file when it changes and runs the lines that
// have not been processed yet. A line is identified by its number and
// content, so editing a line makes it new work.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	runner      *Runner
	path        string
	seen        map[string]bool
	pending     time.Time
	debounceDur time.Duration

	// OnBatch receives the summary of every run the watcher starts.
	OnBatch func(*Summary, error)

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Batches       int
	LinesRun      int
	Errors        int
	LastEventTime time.Time
}

// NewWatcher watches the directory holding path, so that editors replacing
// the file by rename are seen.
func NewWatcher(runner *Runner, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		runner:      runner,
		path:        abs,
		seen:        make(map[string]bool),
		debounceDur: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets how long the file must be quiet before it is re-read.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDur = d
}

// MarkSeen records lines already handled, typically by the initial run.
func (w *Watcher) MarkSeen(records []mapping.Record, invalid []*mapping.LineError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range records {
		w.seen[r.Key()] = true
	}
	for _, le := range invalid {
		w.seen[invalidKey(le)] = true
	}
}

func invalidKey(le *mapping.LineError) string {
	return "invalid\x00" + mapping.Record{Line: le.Line, Archive: le.Raw}.Key()
}

// Stats returns a copy of the watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Watch blocks until ctx is done, running new lines as they appear.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.watcher.Close()
	logging.Watch("Watching %s", w.path)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("Stopped watching %s", w.path)
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.WatchWarn("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			if w.settled() {
				w.process(ctx)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	logging.WatchDebug("%s: %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.pending = time.Now()
	w.mu.Unlock()
}

// settled reports whether a pending change has been quiet for the debounce window.
func (w *Watcher) settled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		return false
	}
	w.pending = time.Time{}
	return true
}

// process re-reads the mapping file and runs unseen lines.
func (w *Watcher) process(ctx context.Context) {
	records, invalid, err := mapping.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.WatchDebug("%s is gone, waiting", w.path)
			return
		}
		logging.WatchWarn("Re-reading %s: %v", w.path, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	var fresh []mapping.Record
	for _, r := range records {
		if !w.seen[r.Key()] {
			w.seen[r.Key()] = true
			fresh = append(fresh, r)
		}
	}
	var freshInvalid []*mapping.LineError
	for _, le := range invalid {
		if k := invalidKey(le); !w.seen[k] {
			w.seen[k] = true
			freshInvalid = append(freshInvalid, le)
		}
	}
	w.mu.Unlock()

	if len(fresh) == 0 && len(freshInvalid) == 0 {
		logging.WatchDebug("No new lines in %s", w.path)
		return
	}
	logging.Watch("%d new line(s) in %s", len(fresh)+len(freshInvalid), w.path)

	summary, err := w.runner.Run(ctx, fresh, freshInvalid)

	w.mu.Lock()
	w.stats.Batches++
	w.stats.LinesRun += len(fresh)
	onBatch := w.OnBatch
	w.mu.Unlock()

	if onBatch != nil {
		onBatch(summary, err)
	}
}
