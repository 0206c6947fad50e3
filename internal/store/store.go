// Package store keeps the run ledger: one row per batch run and one per
// mapping line processed, in a SQLite database under the workspace.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tlsbatch/internal/logging"
)

// ErrRunNotFound is returned by GetRun for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunAborted  = "aborted"
)

// Item status values.
const (
	ItemSucceeded = "succeeded"
	ItemFailed    = "failed"
	ItemSkipped   = "skipped"
	ItemKilled    = "killed"
	ItemInvalid   = "invalid"
)

// Run is one invocation of the batch loop.
type Run struct {
	ID          string    `json:"id"`
	MappingFile string    `json:"mapping_file"`
	OutputDir   string    `json:"output_dir"`
	Script      string    `json:"script"`
	LogFile     string    `json:"log_file"`
	Jobs        int       `json:"jobs"`
	Strict      bool      `json:"strict"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Killed      int       `json:"killed"`
}

// Item is the outcome of one mapping line.
type Item struct {
	RunID      string        `json:"run_id"`
	Line       int           `json:"line"`
	Folder     string        `json:"folder"`
	Archive    string        `json:"archive"`
	Fasta      string        `json:"fasta"`
	Status     string        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Store is the SQLite-backed run ledger.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open opens (creating if needed) the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening run ledger at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, dbPath: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BeginRun inserts run with status running. An empty ID is filled with a
// new UUID and a zero StartedAt with the current time.
func (s *Store) BeginRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunRunning

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, mapping_file, output_dir, script, log_file, jobs, strict, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.MappingFile, run.OutputDir, run.Script, run.LogFile, run.Jobs,
		boolInt(run.Strict), run.Status, millis(run.StartedAt))
	if err != nil {
		logging.StoreError("BeginRun %s failed: %v", run.ID, err)
		return fmt.Errorf("failed to record run: %w", err)
	}
	logging.StoreDebug("Run %s started", run.ID)
	return nil
}

// RecordItem inserts the outcome of one line.
func (s *Store) RecordItem(ctx context.Context, item Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_items (run_id, line, folder, archive, fasta, status, exit_code,
			attempts, duration_ms, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.RunID, item.Line, item.Folder, item.Archive, item.Fasta, item.Status,
		item.ExitCode, item.Attempts, item.Duration.Milliseconds(), item.Error,
		millis(item.StartedAt), millis(item.FinishedAt))
	if err != nil {
		logging.StoreError("RecordItem %s line %d failed: %v", item.RunID, item.Line, err)
		return fmt.Errorf("failed to record item: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counts of run.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, total = ?, succeeded = ?,
			failed = ?, skipped = ?, killed = ?
		WHERE id = ?`,
		run.Status, millis(run.FinishedAt), run.Total, run.Succeeded,
		run.Failed, run.Skipped, run.Killed, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	logging.Store("Run %s %s: total=%d ok=%d failed=%d skipped=%d killed=%d",
		run.ID, run.Status, run.Total, run.Succeeded, run.Failed, run.Skipped, run.Killed)
	return nil
}

const runColumns = `id, mapping_file, output_dir, script, log_file, jobs, strict, status,
	started_at, COALESCE(finished_at, 0), total, succeeded, failed, skipped, killed`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var strict int
	var started, finished int64
	err := row.Scan(&r.ID, &r.MappingFile, &r.OutputDir, &r.Script, &r.LogFile, &r.Jobs,
		&strict, &r.Status, &started, &finished, &r.Total, &r.Succeeded, &r.Failed,
		&r.Skipped, &r.Killed)
	if err != nil {
		return nil, err
	}
	r.Strict = strict != 0
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	return &r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, rowid DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// likeEscaper escapes LIKE wildcards for use with ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GetRun returns the run with id. A unique id prefix is accepted.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRunNotFound)
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+` FROM runs WHERE id LIKE ? || '%' ESCAPE '\' LIMIT 2`, likeEscaper.Replace(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var found []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
}

// Items returns the items of a run ordered by line.
func (s *Store) Items(ctx context.Context, runID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, line, folder, archive, fasta, status, exit_code, attempts,
			duration_ms, error, started_at, finished_at
		FROM run_items WHERE run_id = ? ORDER BY line, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var durMs, started, finished int64
		if err := rows.Scan(&it.RunID, &it.Line, &it.Folder, &it.Archive, &it.Fasta,
			&it.Status, &it.ExitCode, &it.Attempts, &durMs, &it.Error, &started, &finished); err != nil {
			return nil, err
		}
		it.Duration = time.Duration(durMs) * time.Millisecond
		it.StartedAt = fromMillis(started)
		it.FinishedAt = fromMillis(finished)
		items = append(items, it)
	}
	return items, rows.Err()
}
