package app

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

// SQLiteEventLog persists events in SQLite. Append idempotency rides on the
// primary-key constraint via INSERT OR IGNORE.
type SQLiteEventLog struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteEventLog opens (or creates) the database at dsn and ensures the
// schema exists.
func NewSQLiteEventLog(dsn string) (*SQLiteEventLog, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log, err := NewSQLiteEventLogFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

// NewSQLiteEventLogFromDB wraps an existing handle, sharing it with the run store.
func NewSQLiteEventLogFromDB(db *sql.DB) (*SQLiteEventLog, error) {
	log := &SQLiteEventLog{
		db:     db,
		logger: logging.NewComponentLogger("SQLiteEventLog"),
	}
	if err := log.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return log, nil
}

func (l *SQLiteEventLog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events (run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_created ON run_events (created_at)`,
	}
	for _, stmt := range migrations {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (l *SQLiteEventLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteEventLog) Append(ctx context.Context, event StoredEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		// Durability of something beats losing the event.
		data, _ = json.Marshal(map[string]any{"raw": fmt.Sprintf("%v", event.Data)})
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_events (event_id, run_id, seq, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.Seq, event.EventType, string(data), event.CreatedAt)
	return storageError("append", err)
}

func (l *SQLiteEventLog) ReadAll(ctx context.Context, runID string) ([]StoredEvent, error) {
	return l.readFrom(ctx, runID, -1)
}

func (l *SQLiteEventLog) ReadSince(ctx context.Context, runID, lastEventID string) ([]StoredEvent, error) {
	since := int64(-1)
	if seq, ok := ParseEventSeq(lastEventID); ok {
		since = seq
	}
	return l.readFrom(ctx, runID, since)
}

func (l *SQLiteEventLog) readFrom(ctx context.Context, runID string, since int64) ([]StoredEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, run_id, seq, event_type, data, created_at
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, since)
	if err != nil {
		return nil, storageError("read", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			event StoredEvent
			data  string
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Seq, &event.EventType, &data, &event.CreatedAt); err != nil {
			return nil, storageError("read", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			l.logger.Warn("Undecodable event payload for %s: %v", event.ID, err)
			event.Data = map[string]any{"raw": data}
		}
		events = append(events, event)
	}
	return events, storageError("read", rows.Err())
}

func (l *SQLiteEventLog) Purge(ctx context.Context, runID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, runID)
	return storageError("purge", err)
}

func (l *SQLiteEventLog) Summary(ctx context.Context, runID string) (*RunEventSummary, error) {
	var minSeq, maxSeq sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM run_events WHERE run_id = ?`, runID).
		Scan(&minSeq, &maxSeq)
	if err != nil {
		return nil, storageError("summary", err)
	}
	if !maxSeq.Valid {
		return nil, nil
	}

	var (
		lastID   string
		lastTime time.Time
	)
	err = l.db.QueryRowContext(ctx,
		`SELECT event_id, created_at FROM run_events WHERE run_id = ? AND seq = ?`,
		runID, maxSeq.Int64).Scan(&lastID, &lastTime)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storageError("summary", err)
	}

	var minPtr, maxPtr *int64
	if minSeq.Valid {
		minPtr = &minSeq.Int64
	}
	maxPtr = &maxSeq.Int64

	return &RunEventSummary{
		EventCount:    summaryEventCount(minPtr, maxPtr),
		LastEventID:   lastID,
		LastEventTime: lastTime,
	}, nil
}

func (l *SQLiteEventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM run_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, storageError("delete", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}
