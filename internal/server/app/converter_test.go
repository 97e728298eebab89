package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flume/internal/engine"
)

func TestWireEventEncode(t *testing.T) {
	frame := WireEvent{
		Event: EventTypeValues,
		Data:  map[string]any{"a": 1},
		ID:    "run-1_event_3",
	}.Encode()
	assert.Equal(t, "event: values\ndata: {\"a\":1}\nid: run-1_event_3\n\n", string(frame))
}

func TestWireEventEncodeOmitsEmptyID(t *testing.T) {
	frame := metadataWireEvent("run-1", 1).Encode()
	text := string(frame)
	assert.Contains(t, text, "event: metadata\n")
	assert.Contains(t, text, `"run_id":"run-1"`)
	assert.NotContains(t, text, "id: ")
}

func TestWireEventEncodeUnserializableData(t *testing.T) {
	frame := WireEvent{Event: EventTypeValues, Data: map[string]any{"ch": make(chan int)}}.Encode()
	assert.Contains(t, string(frame), `"raw"`)
}

func TestFilterInterruptUpdates(t *testing.T) {
	interrupt := map[string]any{engine.InterruptKey: []any{map[string]any{"value": "ask"}}}
	plain := map[string]any{"node": map[string]any{"x": 1}}

	tests := []struct {
		name     string
		ev       engine.RawEvent
		onlyInts bool
		wantMode string
		wantKeep bool
	}{
		{"interrupt update retagged", engine.Tagged(engine.ModeUpdates, interrupt), false, engine.ModeValues, true},
		{"interrupt update retagged under filter", engine.Tagged(engine.ModeUpdates, interrupt), true, engine.ModeValues, true},
		{"plain update passes without filter", engine.Tagged(engine.ModeUpdates, plain), false, engine.ModeUpdates, true},
		{"plain update dropped under filter", engine.Tagged(engine.ModeUpdates, plain), true, "", false},
		{"values untouched by filter", engine.Tagged(engine.ModeValues, plain), true, engine.ModeValues, true},
		{"end untouched by filter", engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}), true, engine.ModeEnd, true},
		{"empty interrupt list is not an interrupt", engine.Tagged(engine.ModeUpdates, map[string]any{engine.InterruptKey: []any{}}), true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, payload, keep := filterInterruptUpdates(tt.ev, tt.onlyInts)
			assert.Equal(t, tt.wantKeep, keep)
			if keep {
				assert.Equal(t, tt.wantMode, mode)
				assert.Equal(t, tt.ev.Payload, payload, "payload passes through unchanged")
			}
		})
	}
}

func TestToStoredEventShapes(t *testing.T) {
	t.Run("values wraps in chunk", func(t *testing.T) {
		ev, ok := toStoredEvent("run-1", "run-1_event_1", engine.ModeValues, map[string]any{"x": 1})
		require.True(t, ok)
		assert.Equal(t, EventTypeValues, ev.EventType)
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, map[string]any{"x": 1}, ev.Data["chunk"])
	})

	t.Run("messages pair splits", func(t *testing.T) {
		pair := []any{map[string]any{"content": "hi"}, map[string]any{"node": "agent"}}
		ev, ok := toStoredEvent("run-1", "run-1_event_2", engine.ModeMessages, pair)
		require.True(t, ok)
		assert.Equal(t, pair[0], ev.Data["message_chunk"])
		assert.Equal(t, pair[1], ev.Data["metadata"])
	})

	t.Run("bare message chunk has no metadata", func(t *testing.T) {
		ev, ok := toStoredEvent("run-1", "run-1_event_2", engine.ModeMessages, map[string]any{"content": "hi"})
		require.True(t, ok)
		_, hasMetadata := ev.Data["metadata"]
		assert.False(t, hasMetadata)
	})

	t.Run("end keeps payload map", func(t *testing.T) {
		ev, ok := toStoredEvent("run-1", "run-1_event_3", engine.ModeEnd, map[string]any{"status": "completed"})
		require.True(t, ok)
		assert.Equal(t, "completed", ev.Data["status"])
	})

	t.Run("interrupt update stored as values", func(t *testing.T) {
		payload := map[string]any{engine.InterruptKey: []any{"pause"}}
		ev, ok := toStoredEvent("run-1", "run-1_event_4", engine.ModeUpdates, payload)
		require.True(t, ok)
		assert.Equal(t, EventTypeValues, ev.EventType)
	})

	t.Run("unknown mode dropped", func(t *testing.T) {
		_, ok := toStoredEvent("run-1", "run-1_event_5", "mystery", map[string]any{})
		assert.False(t, ok)
	})
}

// Replayed frames must be byte-identical to the live frames they replace.
func TestStoredToWireMatchesLivePath(t *testing.T) {
	payloads := []struct {
		mode    string
		payload any
	}{
		{engine.ModeValues, map[string]any{"x": float64(1)}},
		{engine.ModeUpdates, map[string]any{"node": "output"}},
		{engine.ModeMessages, []any{map[string]any{"content": "hi"}, map[string]any{"node": "agent"}}},
		{engine.ModeEnd, map[string]any{"status": "completed"}},
	}
	for _, tc := range payloads {
		t.Run(tc.mode, func(t *testing.T) {
			eventID := FormatEventID("run-1", 7)
			live, ok := toWireEvent("run-1", eventID, tc.mode, tc.payload)
			require.True(t, ok)

			stored, ok := toStoredEvent("run-1", eventID, tc.mode, tc.payload)
			require.True(t, ok)
			replayed, ok := storedToWire(stored, "run-1")
			require.True(t, ok)

			assert.Equal(t, string(live.Encode()), string(replayed.Encode()))
		})
	}
}

func TestStoredToWireMetadataNeedsRunID(t *testing.T) {
	stored, ok := toStoredEvent("run-1", "run-1_event_1", engine.ModeMetadata, map[string]any{"attempt": 2})
	require.True(t, ok)

	_, ok = storedToWire(stored, "")
	assert.False(t, ok)

	wire, ok := storedToWire(stored, "run-1")
	require.True(t, ok)
	data, isMap := wire.Data.(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, 2, data["attempt"])
}

func TestErrorWireEvent(t *testing.T) {
	wire := errorWireEvent("engine exploded")
	assert.Equal(t, EventTypeError, wire.Event)
	assert.Empty(t, wire.ID)
	data := wire.Data.(map[string]any)
	assert.Equal(t, "engine exploded", data["error"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestAttemptFromDefaults(t *testing.T) {
	assert.Equal(t, 1, attemptFrom(nil))
	assert.Equal(t, 1, attemptFrom(map[string]any{}))
	assert.Equal(t, 1, attemptFrom(map[string]any{"attempt": 0}))
	assert.Equal(t, 3, attemptFrom(map[string]any{"attempt": float64(3)}))
	assert.Equal(t, 2, attemptFrom(map[string]any{"attempt": 2}))
}
