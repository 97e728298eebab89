// Package engine defines the ports consumed from the graph execution engine.
//
// The engine itself is an external collaborator: an opaque, cancellable source
// of heterogeneous events. Everything downstream works against the RawEvent
// sum type produced here so no other package inspects engine wire shapes.
package engine

import "context"

// Stream modes the engine may tag events with. The converter maps these onto
// the SSE vocabulary; unknown modes are dropped there, not here.
const (
	ModeValues      = "values"
	ModeUpdates     = "updates"
	ModeMessages    = "messages"
	ModeState       = "state"
	ModeLogs        = "logs"
	ModeTasks       = "tasks"
	ModeSubgraphs   = "subgraphs"
	ModeDebug       = "debug"
	ModeEvents      = "events"
	ModeCheckpoints = "checkpoints"
	ModeCustom      = "custom"
	ModeMetadata    = "metadata"
	ModeEnd         = "end"
	ModeError       = "error"
)

// InterruptKey marks a payload mapping as carrying an engine interrupt.
const InterruptKey = "__interrupt__"

// RawEvent is the normalized form of everything the engine emits: either a
// mode-tagged payload or a bare payload (treated as a values update).
// NodePath is carried for completeness and discarded by the converter.
type RawEvent struct {
	Mode     string
	Payload  any
	NodePath string
	bare     bool
}

// Tagged builds a mode-tagged raw event.
func Tagged(mode string, payload any) RawEvent {
	return RawEvent{Mode: mode, Payload: payload}
}

// TaggedAt builds a mode-tagged raw event with a node path.
func TaggedAt(nodePath, mode string, payload any) RawEvent {
	return RawEvent{Mode: mode, Payload: payload, NodePath: nodePath}
}

// Bare builds a raw event with no mode tag; consumers treat it as "values".
func Bare(payload any) RawEvent {
	return RawEvent{Mode: ModeValues, Payload: payload, bare: true}
}

// IsBare reports whether this event was emitted without a mode tag.
func (e RawEvent) IsBare() bool {
	return e.bare
}

// HasInterrupt reports whether payload is a mapping carrying a non-empty
// interrupt marker. An empty interrupt list does not count.
func HasInterrupt(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	value, ok := m[InterruptKey]
	if !ok {
		return false
	}
	switch v := value.(type) {
	case nil:
		return false
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case string:
		return v != ""
	default:
		return true
	}
}

// ExecutionRequest describes one run submitted to the engine.
type ExecutionRequest struct {
	RunID       string
	ThreadID    string
	Input       map[string]any
	StreamModes []string
}

// OnlyInterruptUpdates reports whether the caller never asked for raw
// "updates" deltas, in which case only interrupt-bearing updates are surfaced.
func (r ExecutionRequest) OnlyInterruptUpdates() bool {
	for _, mode := range r.StreamModes {
		if mode == ModeUpdates {
			return false
		}
	}
	return true
}

// EventSource is a finite, cancellable sequence of engine events. Events()
// closes when the engine finishes or fails; Err() reports the terminal error
// after the channel closes, nil on clean completion.
type EventSource interface {
	Events() <-chan RawEvent
	Err() error
}

// Engine starts executions. Cancellation flows through ctx; a cancelled
// context must close the source's event channel promptly.
type Engine interface {
	Execute(ctx context.Context, req ExecutionRequest) (EventSource, error)
}
