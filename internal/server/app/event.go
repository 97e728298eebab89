package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// eventIDSeparator splits the run id from the run-scoped sequence number.
// Every consumer relies on the embedded sequence for ordering and dedup.
const eventIDSeparator = "_event_"

// FormatEventID derives the event id for seq within a run.
func FormatEventID(runID string, seq int64) string {
	return fmt.Sprintf("%s%s%d", runID, eventIDSeparator, seq)
}

// ParseEventSeq extracts the sequence number embedded in an event id.
// Malformed ids report ok=false; callers choose the permissive default
// (-1 for "replay from the beginning", 0 when skipping live items).
func ParseEventSeq(eventID string) (int64, bool) {
	idx := strings.LastIndex(eventID, eventIDSeparator)
	if idx < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(eventID[idx+len(eventIDSeparator):], 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// StoredEvent is the event log's persisted representation. Immutable once
// appended; only the reaper removes it.
type StoredEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunEventSummary describes the persisted tail of a run's event log.
//
// EventCount is max_seq-min_seq+1 when a minimum resolves, else 0. The
// zero-on-missing-minimum case is preserved reference behavior, not a bug.
type RunEventSummary struct {
	EventCount    int64     `json:"event_count"`
	LastEventID   string    `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
}

func summaryEventCount(minSeq, maxSeq *int64) int64 {
	if minSeq == nil {
		return 0
	}
	if maxSeq == nil {
		return 0
	}
	return *maxSeq - *minSeq + 1
}
