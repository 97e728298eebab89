package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"flume/internal/logging"
)

// SQLiteStore persists runs in SQLite via database/sql.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an existing handle, sharing it with other stores.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{
		db:     db,
		logger: logging.NewComponentLogger("SQLiteRunStore"),
	}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs (thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	output, err := marshalOutput(r.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, thread_id, status, output, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ThreadID, string(r.Status), output, r.ErrorMessage, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, status, output, error_message, created_at, updated_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, runID string, status Status, output map[string]any, errorMessage string) error {
	current, err := s.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		s.logger.Warn("Ignoring status transition %s -> %s for terminal run %s", current, status, runID)
		return nil
	}

	encoded, err := marshalOutput(output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error_message = ?, updated_at = ?
		WHERE run_id = ?`,
		string(status), encoded, errorMessage, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return Status(status), nil
}

func (s *SQLiteStore) SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		threadID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThreadStatus(ctx context.Context, threadID string) (ThreadStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM threads WHERE thread_id = ?`, threadID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadStatusIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read thread status: %w", err)
	}
	return ThreadStatus(status), nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	query := `SELECT run_id, thread_id, status, output, error_message, created_at, updated_at FROM runs`
	args := []any{}
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r       Run
		status  string
		output  sql.NullString
		errMsg  string
		created time.Time
		updated time.Time
	)
	err := row.Scan(&r.ID, &r.ThreadID, &status, &output, &errMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = Status(status)
	r.ErrorMessage = errMsg
	r.CreatedAt = created
	r.UpdatedAt = updated
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &r.Output); err != nil {
			return nil, fmt.Errorf("failed to decode run output: %w", err)
		}
	}
	return &r, nil
}

func marshalOutput(output map[string]any) (any, error) {
	if output == nil {
		return nil, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run output: %w", err)
	}
	return string(data), nil
}
