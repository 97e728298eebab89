package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLogFactories builds each log implementation against a temp location so
// every backend passes the same contract.
var eventLogFactories = map[string]func(t *testing.T) EventLog{
	"memory": func(t *testing.T) EventLog {
		return NewMemoryEventLog()
	},
	"sqlite": func(t *testing.T) EventLog {
		log, err := NewSQLiteEventLog(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = log.Close() })
		return log
	},
}

func storedEvent(runID string, seq int64, eventType string, data map[string]any) StoredEvent {
	return StoredEvent{
		ID:        FormatEventID(runID, seq),
		RunID:     runID,
		Seq:       seq,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	id := FormatEventID("run-abc", 42)
	assert.Equal(t, "run-abc_event_42", id)

	seq, ok := ParseEventSeq(id)
	require.True(t, ok)
	assert.Equal(t, int64(42), seq)
}

func TestParseEventSeqMalformed(t *testing.T) {
	cases := []string{"", "run-abc", "run-abc_event_", "run-abc_event_x", "run-abc_event_-1"}
	for _, id := range cases {
		_, ok := ParseEventSeq(id)
		assert.False(t, ok, "id %q should not parse", id)
	}

	// Run ids containing the separator parse from the last occurrence.
	seq, ok := ParseEventSeq("run_event_7_event_9")
	require.True(t, ok)
	assert.Equal(t, int64(9), seq)
}

func TestEventLogAppendAndRead(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()

			for seq := int64(1); seq <= 3; seq++ {
				ev := storedEvent("run-1", seq, EventTypeValues, map[string]any{"chunk": seq})
				require.NoError(t, log.Append(ctx, ev))
			}
			// Another run's events must not bleed in.
			require.NoError(t, log.Append(ctx, storedEvent("run-2", 1, EventTypeValues, nil)))

			events, err := log.ReadAll(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, ev := range events {
				assert.Equal(t, int64(i+1), ev.Seq)
				assert.Equal(t, "run-1", ev.RunID)
			}
		})
	}
}

func TestEventLogAppendIdempotent(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()

			ev := storedEvent("run-1", 1, EventTypeValues, map[string]any{"chunk": "first"})
			require.NoError(t, log.Append(ctx, ev))

			dup := ev
			dup.Data = map[string]any{"chunk": "second"}
			require.NoError(t, log.Append(ctx, dup), "duplicate id must be a silent no-op")

			events, err := log.ReadAll(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "first", events[0].Data["chunk"], "first write wins")
		})
	}
}

func TestEventLogReadSince(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()
			for seq := int64(1); seq <= 5; seq++ {
				require.NoError(t, log.Append(ctx, storedEvent("run-1", seq, EventTypeValues, nil)))
			}

			events, err := log.ReadSince(ctx, "run-1", FormatEventID("run-1", 3))
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, int64(4), events[0].Seq)
			assert.Equal(t, int64(5), events[1].Seq)

			// Malformed cursor replays from the beginning.
			events, err = log.ReadSince(ctx, "run-1", "not-an-id")
			require.NoError(t, err)
			assert.Len(t, events, 5)

			// Cursor at the tail yields nothing.
			events, err = log.ReadSince(ctx, "run-1", FormatEventID("run-1", 5))
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestEventLogSummary(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()

			summary, err := log.Summary(ctx, "run-none")
			require.NoError(t, err)
			assert.Nil(t, summary)

			for seq := int64(2); seq <= 6; seq++ {
				require.NoError(t, log.Append(ctx, storedEvent("run-1", seq, EventTypeValues, nil)))
			}

			summary, err = log.Summary(ctx, "run-1")
			require.NoError(t, err)
			require.NotNil(t, summary)
			assert.Equal(t, int64(5), summary.EventCount)
			assert.Equal(t, FormatEventID("run-1", 6), summary.LastEventID)
			assert.False(t, summary.LastEventTime.IsZero())
		})
	}
}

func TestSummaryEventCountMissingBounds(t *testing.T) {
	six := int64(6)
	two := int64(2)
	assert.Equal(t, int64(0), summaryEventCount(nil, &six))
	assert.Equal(t, int64(0), summaryEventCount(&two, nil))
	assert.Equal(t, int64(5), summaryEventCount(&two, &six))
}

func TestEventLogPurge(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()
			require.NoError(t, log.Append(ctx, storedEvent("run-1", 1, EventTypeValues, nil)))
			require.NoError(t, log.Append(ctx, storedEvent("run-2", 1, EventTypeValues, nil)))

			require.NoError(t, log.Purge(ctx, "run-1"))

			events, err := log.ReadAll(ctx, "run-1")
			require.NoError(t, err)
			assert.Empty(t, events)

			events, err = log.ReadAll(ctx, "run-2")
			require.NoError(t, err)
			assert.Len(t, events, 1)

			// Purging an absent run is fine.
			require.NoError(t, log.Purge(ctx, "run-1"))
		})
	}
}

func TestEventLogDeleteOlderThan(t *testing.T) {
	for name, factory := range eventLogFactories {
		t.Run(name, func(t *testing.T) {
			log := factory(t)
			ctx := context.Background()

			old := storedEvent("run-1", 1, EventTypeValues, nil)
			old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
			require.NoError(t, log.Append(ctx, old))

			fresh := storedEvent("run-1", 2, EventTypeValues, nil)
			require.NoError(t, log.Append(ctx, fresh))

			deleted, err := log.DeleteOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			events, err := log.ReadAll(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, int64(2), events[0].Seq)
		})
	}
}
