package store

import (
	"context"
	"database/sql"
	"fmt"

	"tlsbatch/internal/logging"
)

// CurrentSchemaVersion is the schema version written by this build.
//
// v1: runs and run_items
// v2: run_items.attempts and runs.strict
const CurrentSchemaVersion = 2

// migration is one schema step, applied when the stored version is below it.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			mapping_file TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			script TEXT NOT NULL,
			log_file TEXT NOT NULL,
			jobs INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			total INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			killed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS run_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			line INTEGER NOT NULL,
			folder TEXT NOT NULL,
			archive TEXT NOT NULL,
			fasta TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_items_run ON run_items(run_id, line)`,
	}},
	{2, []string{
		`ALTER TABLE run_items ADD COLUMN attempts INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE runs ADD COLUMN strict INTEGER NOT NULL DEFAULT 0`,
	}},
}

// schemaVersion reads PRAGMA user_version.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// migrate brings the database up to CurrentSchemaVersion. Each step runs in
// its own transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	from, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if from > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", from, CurrentSchemaVersion)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				logging.StoreError("Migration v%d failed: %v", m.version, err)
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		applied++
		logging.Store("Migration applied: v%d", m.version)
	}

	logging.StoreDebug("Schema migrations complete: from=v%d applied=%d", from, applied)
	return nil
}

// tableExists checks if a table exists in the database.
func tableExists(ctx context.Context, db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
