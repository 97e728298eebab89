package app

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventLog is the durable, append-only per-run event store. At any instant it
// is a superset of what any live broker holds for a still-running run.
type EventLog interface {
	// Append inserts an event keyed by its globally-unique id. A duplicate id
	// is a silent no-op so retried deliveries neither duplicate nor error.
	Append(ctx context.Context, event StoredEvent) error
	// ReadAll returns all events for a run in ascending sequence order.
	ReadAll(ctx context.Context, runID string) ([]StoredEvent, error)
	// ReadSince returns events with sequence strictly greater than the one
	// embedded in lastEventID. A malformed id reads from the beginning.
	ReadSince(ctx context.Context, runID, lastEventID string) ([]StoredEvent, error)
	// Purge deletes all events for a run.
	Purge(ctx context.Context, runID string) error
	// Summary reports count and tail of a run's log; nil when no events exist.
	Summary(ctx context.Context, runID string) (*RunEventSummary, error)
	// DeleteOlderThan removes events persisted before cutoff across all runs.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryEventLog keeps events in process memory. It backs tests and the
// standalone demo mode; real deployments use the SQLite or Postgres log.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events map[string]map[string]StoredEvent // runID -> eventID -> event
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[string]map[string]StoredEvent),
	}
}

func (l *MemoryEventLog) Append(ctx context.Context, event StoredEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	byID, ok := l.events[event.RunID]
	if !ok {
		byID = make(map[string]StoredEvent)
		l.events[event.RunID] = byID
	}
	if _, exists := byID[event.ID]; exists {
		return nil
	}
	byID[event.ID] = event
	return nil
}

func (l *MemoryEventLog) ReadAll(ctx context.Context, runID string) ([]StoredEvent, error) {
	return l.readFrom(runID, -1)
}

func (l *MemoryEventLog) ReadSince(ctx context.Context, runID, lastEventID string) ([]StoredEvent, error) {
	since := int64(-1)
	if seq, ok := ParseEventSeq(lastEventID); ok {
		since = seq
	}
	return l.readFrom(runID, since)
}

func (l *MemoryEventLog) readFrom(runID string, since int64) ([]StoredEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byID := l.events[runID]
	events := make([]StoredEvent, 0, len(byID))
	for _, event := range byID {
		if event.Seq > since {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func (l *MemoryEventLog) Purge(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.events, runID)
	return nil
}

func (l *MemoryEventLog) Summary(ctx context.Context, runID string) (*RunEventSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byID := l.events[runID]
	if len(byID) == 0 {
		return nil, nil
	}

	var minSeq, maxSeq *int64
	var last StoredEvent
	for _, event := range byID {
		seq := event.Seq
		if minSeq == nil || seq < *minSeq {
			v := seq
			minSeq = &v
		}
		if maxSeq == nil || seq > *maxSeq {
			v := seq
			maxSeq = &v
			last = event
		}
	}

	return &RunEventSummary{
		EventCount:    summaryEventCount(minSeq, maxSeq),
		LastEventID:   last.ID,
		LastEventTime: last.CreatedAt,
	}, nil
}

func (l *MemoryEventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for runID, byID := range l.events {
		for id, event := range byID {
			if event.CreatedAt.Before(cutoff) {
				delete(byID, id)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(l.events, runID)
		}
	}
	return removed, nil
}
