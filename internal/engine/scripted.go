package engine

import (
	"context"
	"time"
)

// Script is a canned event sequence for the scripted engine.
type Script struct {
	Events []RawEvent
	// Delay is the pause before each event, simulating engine latency.
	Delay time.Duration
	// Err, when set, terminates the source with an error after all events.
	Err error
}

// ScriptedEngine plays back per-request scripts. It backs tests and the
// standalone demo mode of the server, where no real graph engine is attached.
type ScriptedEngine struct {
	ScriptFor func(req ExecutionRequest) Script
}

// NewEchoEngine returns a scripted engine that echoes the request input as a
// single values event followed by a completed end event.
func NewEchoEngine() *ScriptedEngine {
	return &ScriptedEngine{
		ScriptFor: func(req ExecutionRequest) Script {
			values := map[string]any{"input": req.Input, "thread_id": req.ThreadID}
			return Script{
				Events: []RawEvent{
					TaggedAt("echo", ModeValues, values),
					Tagged(ModeEnd, map[string]any{"status": "completed"}),
				},
			}
		},
	}
}

type scriptedSource struct {
	events chan RawEvent
	err    error
	done   chan struct{}
}

func (s *scriptedSource) Events() <-chan RawEvent {
	return s.events
}

func (s *scriptedSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Execute plays the script for req until it is exhausted or ctx is cancelled.
func (e *ScriptedEngine) Execute(ctx context.Context, req ExecutionRequest) (EventSource, error) {
	script := Script{}
	if e.ScriptFor != nil {
		script = e.ScriptFor(req)
	}

	source := &scriptedSource{
		events: make(chan RawEvent),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(source.events)
		defer close(source.done)

		for _, event := range script.Events {
			if script.Delay > 0 {
				timer := time.NewTimer(script.Delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					source.err = ctx.Err()
					return
				}
			}
			select {
			case source.events <- event:
			case <-ctx.Done():
				source.err = ctx.Err()
				return
			}
		}
		source.err = script.Err
	}()

	return source, nil
}
