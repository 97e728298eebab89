package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flume/internal/logging"
)

// PostgresStore persists runs in Postgres over a pgx pool. The pool is shared
// with the Postgres event log; the store does not own its lifecycle.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresRunStore"),
	}
}

// EnsureSchema creates the runs and threads tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    status TEXT NOT NULL,
    output JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs (thread_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS threads (
    thread_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate runs schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, thread_id, status, output, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ThreadID, string(r.Status), r.Output, r.ErrorMessage, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, status, output, error_message, created_at, updated_at
		FROM runs WHERE run_id = $1`, runID)
	return scanPostgresRun(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, runID string, status Status, output map[string]any, errorMessage string) error {
	current, err := s.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		s.logger.Warn("Ignoring status transition %s -> %s for terminal run %s", current, status, runID)
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, output = $2, error_message = $3, updated_at = $4
		WHERE run_id = $5`,
		string(status), output, errorMessage, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return Status(status), nil
}

func (s *PostgresStore) SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (thread_id, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		threadID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThreadStatus(ctx context.Context, threadID string) (ThreadStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM threads WHERE thread_id = $1`, threadID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ThreadStatusIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read thread status: %w", err)
	}
	return ThreadStatus(status), nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	query := `SELECT run_id, thread_id, status, output, error_message, created_at, updated_at FROM runs`
	args := []any{}
	if threadID != "" {
		query += ` WHERE thread_id = $1`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var (
		r      Run
		status string
	)
	err := row.Scan(&r.ID, &r.ThreadID, &status, &r.Output, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = Status(status)
	return &r, nil
}
