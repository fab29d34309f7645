package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the executions table exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the busy timeout covers the rest.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
  id                   TEXT PRIMARY KEY,
  project_id           TEXT NOT NULL,
  username             TEXT NOT NULL DEFAULT '',
  dataset_path         TEXT NOT NULL DEFAULT '',
  file_access_role_arn TEXT NOT NULL DEFAULT '',
  region               TEXT NOT NULL DEFAULT '',
  executor             TEXT NOT NULL DEFAULT '',
  environment          JSON NOT NULL DEFAULT 'null',
  working_dir          TEXT NOT NULL DEFAULT '',
  status               TEXT NOT NULL,
  created_at           TEXT NOT NULL,
  finished_at          TEXT,
  stdout               TEXT NOT NULL DEFAULT '',
  native_job_id        TEXT NOT NULL DEFAULT '',
  message              TEXT NOT NULL DEFAULT '',
  details              JSON NOT NULL DEFAULT 'null'
);`,
		`CREATE INDEX IF NOT EXISTS executions_status_finished_at_idx ON executions(status, finished_at);`,
		`CREATE INDEX IF NOT EXISTS executions_project_id_idx ON executions(project_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
