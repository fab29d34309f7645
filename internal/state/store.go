package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the SQLite-backed Repository. The executions table is created by
// storage.BootstrapSQLite.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, project_id, username, dataset_path, file_access_role_arn, region, executor,
  environment, working_dir, status, created_at, finished_at, stdout, native_job_id, message, details`

func (s *Store) Add(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution id is empty")
	}
	env, details, err := encodeMaps(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO executions(id, project_id, username, dataset_path, file_access_role_arn, region, executor,
  environment, working_dir, status, created_at, finished_at, stdout, native_job_id, message, details)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`,
		rec.ID, rec.ProjectID, rec.Username, rec.DatasetPath, rec.FileAccessRoleARN, rec.Region, rec.Executor,
		env, rec.WorkingDir, string(rec.Status), formatTime(rec.CreatedAt), formatTimePtr(rec.FinishedAt),
		rec.Stdout, rec.NativeJobID, rec.Message, details,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM executions WHERE id = ?;", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM executions ORDER BY created_at ASC, id ASC;")
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	env, details, err := encodeMaps(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET
  project_id = ?, username = ?, dataset_path = ?, file_access_role_arn = ?, region = ?, executor = ?,
  environment = ?, working_dir = ?, status = ?, finished_at = ?, stdout = ?, native_job_id = ?,
  message = ?, details = ?
WHERE id = ?;
`,
		rec.ProjectID, rec.Username, rec.DatasetPath, rec.FileAccessRoleARN, rec.Region, rec.Executor,
		env, rec.WorkingDir, string(rec.Status), formatTimePtr(rec.FinishedAt), rec.Stdout, rec.NativeJobID,
		rec.Message, details, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec          Record
		status       string
		env, details string
		createdAt    string
		finishedAt   sql.NullString
	)
	if err := sc.Scan(
		&rec.ID, &rec.ProjectID, &rec.Username, &rec.DatasetPath, &rec.FileAccessRoleARN, &rec.Region, &rec.Executor,
		&env, &rec.WorkingDir, &status, &createdAt, &finishedAt, &rec.Stdout, &rec.NativeJobID, &rec.Message, &details,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		rec.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(env), &rec.Environment); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return &rec, nil
}

func encodeMaps(rec *Record) (string, string, error) {
	env, err := json.Marshal(rec.Environment)
	if err != nil {
		return "", "", fmt.Errorf("encode environment: %w", err)
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return "", "", fmt.Errorf("encode details: %w", err)
	}
	return string(env), string(details), nil
}

// timeLayout is fixed width so text order in sqlite matches time order.
// RFC3339Nano trims trailing zeros and would sort "05Z" after "05.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
