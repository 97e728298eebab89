package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flume/internal/logging"
)

// PostgresEventLog persists events in Postgres. Append idempotency rides on
// the primary-key constraint via ON CONFLICT DO NOTHING.
type PostgresEventLog struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresEventLog wraps a pgx pool.
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresEventLog"),
	}
}

// EnsureSchema creates the run_events table and indexes if needed.
func (l *PostgresEventLog) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("event log not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_events (
    event_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    data JSONB,
    created_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events (run_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_created ON run_events (created_at);`,
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return storageError("migrate", err)
		}
	}
	return nil
}

func (l *PostgresEventLog) Append(ctx context.Context, event StoredEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"raw": fmt.Sprintf("%v", event.Data)})
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO run_events (event_id, run_id, seq, event_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID, event.RunID, event.Seq, event.EventType, data, event.CreatedAt)
	return storageError("append", err)
}

func (l *PostgresEventLog) ReadAll(ctx context.Context, runID string) ([]StoredEvent, error) {
	return l.readFrom(ctx, runID, -1)
}

func (l *PostgresEventLog) ReadSince(ctx context.Context, runID, lastEventID string) ([]StoredEvent, error) {
	since := int64(-1)
	if seq, ok := ParseEventSeq(lastEventID); ok {
		since = seq
	}
	return l.readFrom(ctx, runID, since)
}

func (l *PostgresEventLog) readFrom(ctx context.Context, runID string, since int64) ([]StoredEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, run_id, seq, event_type, data, created_at
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID, since)
	if err != nil {
		return nil, storageError("read", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			event StoredEvent
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Seq, &event.EventType, &data, &event.CreatedAt); err != nil {
			return nil, storageError("read", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				l.logger.Warn("Undecodable event payload for %s: %v", event.ID, err)
				event.Data = map[string]any{"raw": string(data)}
			}
		}
		events = append(events, event)
	}
	return events, storageError("read", rows.Err())
}

func (l *PostgresEventLog) Purge(ctx context.Context, runID string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM run_events WHERE run_id = $1`, runID)
	return storageError("purge", err)
}

func (l *PostgresEventLog) Summary(ctx context.Context, runID string) (*RunEventSummary, error) {
	var minSeq, maxSeq *int64
	err := l.pool.QueryRow(ctx,
		`SELECT MIN(seq), MAX(seq) FROM run_events WHERE run_id = $1`, runID).
		Scan(&minSeq, &maxSeq)
	if err != nil {
		return nil, storageError("summary", err)
	}
	if maxSeq == nil {
		return nil, nil
	}

	var (
		lastID   string
		lastTime time.Time
	)
	err = l.pool.QueryRow(ctx,
		`SELECT event_id, created_at FROM run_events WHERE run_id = $1 AND seq = $2`,
		runID, *maxSeq).Scan(&lastID, &lastTime)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageError("summary", err)
	}

	return &RunEventSummary{
		EventCount:    summaryEventCount(minSeq, maxSeq),
		LastEventID:   lastID,
		LastEventTime: lastTime,
	}, nil
}

func (l *PostgresEventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM run_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, storageError("delete", err)
	}
	return tag.RowsAffected(), nil
}
