package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"courier/internal/report"
)

// Store keeps a queryable record of completed upload runs backed by SQLite.
// The JSON report remains the canonical artifact; this store powers the
// history command.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the history database and creates the
// schema when missing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return tx.Commit()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    total       INTEGER NOT NULL,
    successful  INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    skipped     INTEGER NOT NULL,
    aborted     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_files (
    run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    name     TEXT NOT NULL,
    status   TEXT NOT NULL,
    size     INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    error    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_files_run ON run_files(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`

// RecordRun persists a finished run and its per-file outcomes in one
// transaction.
func (s *Store) RecordRun(ctx context.Context, result *report.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, total, successful, failed, skipped, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.StartedAt.UTC(),
		result.FinishedAt.UTC(),
		result.Total,
		result.Successful,
		result.Failed,
		result.Skipped,
		result.Aborted,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, file := range result.Files {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_files (run_id, name, status, size, attempts, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.ID, file.Name, string(file.Outcome), file.SizeBytes, file.Attempts, file.Error,
		)
		if err != nil {
			return fmt.Errorf("insert run file %s: %w", file.Name, err)
		}
	}
	return tx.Commit()
}

// RunSummary is a single row of the run history listing.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Successful int
	Failed     int
	Skipped    int
	Aborted    string
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total, successful, failed, skipped, aborted
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var summary RunSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.StartedAt,
			&summary.FinishedAt,
			&summary.Total,
			&summary.Successful,
			&summary.Failed,
			&summary.Skipped,
			&summary.Aborted,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// RunFiles returns the per-file outcomes recorded for one run.
func (s *Store) RunFiles(ctx context.Context, runID string) ([]report.FileResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, size, attempts, error
		FROM run_files WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run files: %w", err)
	}
	defer rows.Close()

	var files []report.FileResult
	for rows.Next() {
		var file report.FileResult
		var status string
		if err := rows.Scan(&file.Name, &status, &file.SizeBytes, &file.Attempts, &file.Error); err != nil {
			return nil, fmt.Errorf("scan run file: %w", err)
		}
		file.Outcome = report.Outcome(status)
		files = append(files, file)
	}
	return files, rows.Err()
}
