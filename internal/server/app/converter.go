package app

import (
	"encoding/json"
	"fmt"
	"time"

	"flume/internal/engine"
)

// Closed SSE event-type vocabulary. Unknown engine modes are dropped rather
// than erroring so the protocol stays forward-compatible.
const (
	EventTypeMetadata         = "metadata"
	EventTypeValues           = "values"
	EventTypeUpdates          = "updates"
	EventTypeMessages         = "messages"
	EventTypeMessagesPartial  = "messages/partial"
	EventTypeMessagesComplete = "messages/complete"
	EventTypeMessagesMetadata = "messages/metadata"
	EventTypeState            = "state"
	EventTypeLogs             = "logs"
	EventTypeTasks            = "tasks"
	EventTypeSubgraphs        = "subgraphs"
	EventTypeDebug            = "debug"
	EventTypeEvents           = "events"
	EventTypeCheckpoints      = "checkpoints"
	EventTypeCustom           = "custom"
	EventTypeEnd              = "end"
	EventTypeError            = "error"
)

// WireEvent is one rendered SSE frame.
type WireEvent struct {
	Event string
	Data  any
	ID    string
}

// Encode renders the frame in text/event-stream format. The id line is
// omitted when no id is set (the synthetic metadata frame at sequence 0).
func (e WireEvent) Encode() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"raw": fmt.Sprintf("%v", e.Data)})
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n", e.Event, data)
	if e.ID != "" {
		frame += fmt.Sprintf("id: %s\n", e.ID)
	}
	return []byte(frame + "\n")
}

// filterInterruptUpdates applies the interrupt-filtering policy shared by the
// live and durable paths. It is deterministic and side-effect-free so the two
// independent evaluations cannot diverge.
//
// Interrupt-bearing updates are always retagged to values: interrupts must
// look like state, not like deltas, to clients that only understand values.
// Under onlyInterruptUpdates, every other updates event is dropped entirely.
func filterInterruptUpdates(ev engine.RawEvent, onlyInterruptUpdates bool) (string, any, bool) {
	if ev.Mode == engine.ModeUpdates {
		if engine.HasInterrupt(ev.Payload) {
			return engine.ModeValues, ev.Payload, true
		}
		if onlyInterruptUpdates {
			return "", nil, false
		}
	}
	return ev.Mode, ev.Payload, true
}

// toWireEvent renders a live (mode, payload) pair to its wire form.
// Unknown modes yield ok=false and are silently dropped.
func toWireEvent(runID, eventID, mode string, payload any) (WireEvent, bool) {
	if mode == engine.ModeUpdates && engine.HasInterrupt(payload) {
		mode = engine.ModeValues
	}

	switch mode {
	case EventTypeMetadata:
		return WireEvent{Event: EventTypeMetadata, Data: metadataData(runID, payload), ID: eventID}, true
	case EventTypeMessages, EventTypeMessagesPartial, EventTypeMessagesComplete, EventTypeMessagesMetadata:
		return WireEvent{Event: mode, Data: messagesData(payload), ID: eventID}, true
	case EventTypeEnd:
		return WireEvent{Event: EventTypeEnd, Data: endData(payload), ID: eventID}, true
	case EventTypeError:
		return WireEvent{Event: EventTypeError, Data: errorData(payload), ID: eventID}, true
	case EventTypeValues, EventTypeUpdates, EventTypeState, EventTypeLogs, EventTypeTasks,
		EventTypeSubgraphs, EventTypeDebug, EventTypeEvents, EventTypeCheckpoints, EventTypeCustom:
		return WireEvent{Event: mode, Data: payload, ID: eventID}, true
	default:
		return WireEvent{}, false
	}
}

// toStoredEvent maps a (mode, payload) pair onto the event log's per-type
// storage shape. Unknown modes are not stored.
func toStoredEvent(runID, eventID, mode string, payload any) (StoredEvent, bool) {
	if mode == engine.ModeUpdates && engine.HasInterrupt(payload) {
		mode = engine.ModeValues
	}

	var data map[string]any
	switch mode {
	case EventTypeMetadata:
		data = map[string]any{"attempt": attemptFrom(payload)}
	case EventTypeMessages, EventTypeMessagesPartial, EventTypeMessagesComplete, EventTypeMessagesMetadata:
		chunk, metadata, hasMetadata := splitMessagePair(payload)
		data = map[string]any{"message_chunk": chunk}
		if hasMetadata {
			data["metadata"] = metadata
		}
	case EventTypeEnd:
		if m, ok := payload.(map[string]any); ok {
			data = m
		} else {
			data = map[string]any{"status": fmt.Sprintf("%v", payload)}
		}
	case EventTypeError:
		if m, ok := errorData(payload).(map[string]any); ok {
			data = m
		}
	case EventTypeValues, EventTypeUpdates, EventTypeState, EventTypeLogs, EventTypeTasks,
		EventTypeSubgraphs, EventTypeDebug, EventTypeEvents, EventTypeCheckpoints, EventTypeCustom:
		data = map[string]any{"chunk": payload}
	default:
		return StoredEvent{}, false
	}

	seq := int64(0)
	if parsed, ok := ParseEventSeq(eventID); ok {
		seq = parsed
	}
	return StoredEvent{
		ID:        eventID,
		RunID:     runID,
		Seq:       seq,
		EventType: mode,
		Data:      data,
	}, true
}

// storedToWire renders a persisted event identically to the live path, so a
// replayed frame is indistinguishable from the live one with the same id.
// Replaying a metadata event needs the run id (not stored); without one the
// event is skipped.
func storedToWire(event StoredEvent, runID string) (WireEvent, bool) {
	switch event.EventType {
	case EventTypeMetadata:
		if runID == "" {
			return WireEvent{}, false
		}
		return WireEvent{
			Event: EventTypeMetadata,
			Data:  map[string]any{"run_id": runID, "attempt": attemptFrom(event.Data)},
			ID:    event.ID,
		}, true
	case EventTypeMessages, EventTypeMessagesPartial, EventTypeMessagesComplete, EventTypeMessagesMetadata:
		chunk := event.Data["message_chunk"]
		if metadata, ok := event.Data["metadata"]; ok && metadata != nil {
			return WireEvent{Event: event.EventType, Data: []any{chunk, metadata}, ID: event.ID}, true
		}
		return WireEvent{Event: event.EventType, Data: chunk, ID: event.ID}, true
	case EventTypeEnd, EventTypeError:
		return WireEvent{Event: event.EventType, Data: event.Data, ID: event.ID}, true
	case EventTypeValues, EventTypeUpdates, EventTypeState, EventTypeLogs, EventTypeTasks,
		EventTypeSubgraphs, EventTypeDebug, EventTypeEvents, EventTypeCheckpoints, EventTypeCustom:
		return WireEvent{Event: event.EventType, Data: event.Data["chunk"], ID: event.ID}, true
	default:
		return WireEvent{}, false
	}
}

// metadataWireEvent builds the synthetic metadata frame emitted at the start
// of a first-time connection. It carries no id and is never persisted.
func metadataWireEvent(runID string, attempt int) WireEvent {
	return WireEvent{
		Event: EventTypeMetadata,
		Data:  map[string]any{"run_id": runID, "attempt": attempt},
	}
}

// errorWireEvent builds an in-band error frame for a failing stream.
func errorWireEvent(message string) WireEvent {
	return WireEvent{
		Event: EventTypeError,
		Data: map[string]any{
			"error":     message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// splitMessagePair separates a streaming token chunk from its metadata. The
// engine emits messages payloads as a 2-element pair; anything else passes
// through as a bare chunk.
func splitMessagePair(payload any) (chunk any, metadata any, hasMetadata bool) {
	if pair, ok := payload.([]any); ok && len(pair) == 2 {
		return pair[0], pair[1], pair[1] != nil
	}
	return payload, nil, false
}

// messagesData serializes a messages payload as [chunk, metadata] when
// metadata is present, else the bare chunk.
func messagesData(payload any) any {
	chunk, metadata, hasMetadata := splitMessagePair(payload)
	if hasMetadata {
		return []any{chunk, metadata}
	}
	return chunk
}

func metadataData(runID string, payload any) map[string]any {
	return map[string]any{"run_id": runID, "attempt": attemptFrom(payload)}
}

func attemptFrom(payload any) int {
	m, ok := payload.(map[string]any)
	if !ok {
		return 1
	}
	switch v := m["attempt"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

func endData(payload any) any {
	if payload == nil {
		return map[string]any{"status": "completed"}
	}
	return payload
}

func errorData(payload any) any {
	if m, ok := payload.(map[string]any); ok {
		if _, hasError := m["error"]; hasError {
			if _, hasTS := m["timestamp"]; !hasTS {
				withTS := make(map[string]any, len(m)+1)
				for k, v := range m {
					withTS[k] = v
				}
				withTS["timestamp"] = time.Now().UTC().Format(time.RFC3339)
				return withTS
			}
			return m
		}
	}
	return map[string]any{
		"error":     fmt.Sprintf("%v", payload),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
