package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flume/internal/async"
	"flume/internal/engine"
	"flume/internal/logging"
	"flume/internal/observability"
	"flume/internal/run"
)

// Outcome classifies how a run ended. It is decided exactly once, after the
// event source is drained, and drives both the stored status and the shape of
// the terminal signal.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeInterrupted
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) Status() run.Status {
	switch o {
	case OutcomeInterrupted:
		return run.StatusInterrupted
	case OutcomeCancelled:
		return run.StatusCancelled
	case OutcomeFailed:
		return run.StatusFailed
	default:
		return run.StatusCompleted
	}
}

// runHandle tracks one in-flight execution.
type runHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

var errRunCancelled = errors.New("run cancelled")

// RunCoordinator owns the full lifecycle of a run: it creates the record,
// detaches the execution from the caller's request context, pumps engine
// events through the streaming service, and settles the terminal status.
type RunCoordinator struct {
	engine    engine.Engine
	streaming *StreamingService
	runs      run.Store
	logger    logging.Logger
	metrics   *observability.StreamingMetrics
	tracer    *observability.TracerProvider

	waitTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*runHandle
}

// NewRunCoordinator wires the coordinator and registers it as the streaming
// service's canceller.
func NewRunCoordinator(eng engine.Engine, streaming *StreamingService, runs run.Store, metrics *observability.StreamingMetrics, tracer *observability.TracerProvider, waitTimeout time.Duration) *RunCoordinator {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	c := &RunCoordinator{
		engine:      eng,
		streaming:   streaming,
		runs:        runs,
		logger:      logging.NewComponentLogger("RunCoordinator"),
		metrics:     metrics,
		tracer:      tracer,
		waitTimeout: waitTimeout,
		handles:     make(map[string]*runHandle),
	}
	streaming.SetRunCanceller(c)
	return c
}

// StartRun creates the run record and launches its execution in the
// background. The execution context is detached from ctx so that the HTTP
// request ending does not kill the run; cancellation happens only through
// CancelRun or Shutdown.
func (c *RunCoordinator) StartRun(ctx context.Context, threadID string, input map[string]any, streamModes []string) (*run.Run, error) {
	r := run.NewRun(threadID)
	if err := c.runs.CreateRun(ctx, r); err != nil {
		return nil, storageError("create run", err)
	}
	if err := c.runs.SetThreadStatus(ctx, threadID, run.ThreadStatusBusy); err != nil {
		c.logger.Warn("Failed to mark thread %s busy: %v", threadID, err)
	}

	execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.handles[r.ID] = handle
	c.mu.Unlock()

	req := engine.ExecutionRequest{
		RunID:       r.ID,
		ThreadID:    threadID,
		Input:       input,
		StreamModes: streamModes,
	}

	async.Go(c.logger, fmt.Sprintf("run %s", r.ID), func() {
		defer close(handle.done)
		defer cancel(nil)
		c.executeRun(execCtx, r, req)
	})

	return r, nil
}

// executeRun drains the engine's event source, feeding every surviving event
// to both the live broker and the durable log, then settles the outcome.
func (c *RunCoordinator) executeRun(ctx context.Context, r *run.Run, req engine.ExecutionRequest) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanRunExecute, observability.RunAttrs(r.ID, r.ThreadID)...)
	defer span.End()

	onlyInterrupts := req.OnlyInterruptUpdates()

	// Status updates inside the run goroutine must survive the execution
	// context being cancelled.
	bg := context.WithoutCancel(ctx)

	if err := c.runs.UpdateStatus(bg, r.ID, run.StatusRunning, nil, ""); err != nil {
		c.logger.Warn("Failed to mark run %s running: %v", r.ID, err)
	}

	source, err := c.engine.Execute(ctx, req)
	if err != nil {
		c.settle(bg, r, OutcomeFailed, nil, err.Error())
		return
	}

	if err := c.runs.UpdateStatus(bg, r.ID, run.StatusStreaming, nil, ""); err != nil {
		c.logger.Warn("Failed to mark run %s streaming: %v", r.ID, err)
	}

	interrupted := false
	var lastValues map[string]any

	for ev := range source.Events() {
		if engine.HasInterrupt(ev.Payload) {
			interrupted = true
		}
		if ev.Mode == engine.ModeValues {
			if values, ok := ev.Payload.(map[string]any); ok {
				lastValues = values
			}
		}

		eventID := c.streaming.NextEventID(r.ID)
		c.streaming.IngestLive(ctx, r.ID, eventID, ev, onlyInterrupts)
		if err := c.streaming.Persist(bg, r.ID, eventID, ev, onlyInterrupts); err != nil {
			c.logger.Error("Failed to persist event %s: %v", eventID, err)
		}
	}

	outcome := OutcomeCompleted
	errMsg := ""
	switch srcErr := source.Err(); {
	case srcErr != nil && (errors.Is(srcErr, context.Canceled) || ctx.Err() != nil):
		outcome = OutcomeCancelled
	case srcErr != nil:
		outcome = OutcomeFailed
		errMsg = srcErr.Error()
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
	case interrupted:
		outcome = OutcomeInterrupted
	}

	// Cancelled and failed runs never keep partial output.
	if outcome == OutcomeCancelled || outcome == OutcomeFailed {
		lastValues = nil
	}

	c.settle(bg, r, outcome, lastValues, errMsg)
}

// settle writes the terminal status, emits the matching terminal signal and
// releases the run's live resources. Runs in a context detached from the
// execution context.
func (c *RunCoordinator) settle(ctx context.Context, r *run.Run, outcome Outcome, output map[string]any, errMsg string) {
	status := outcome.Status()
	if err := c.runs.UpdateStatus(ctx, r.ID, status, output, errMsg); err != nil {
		c.logger.Error("Failed to settle run %s as %s: %v", r.ID, status, err)
	}

	threadStatus := run.ThreadStatusIdle
	if outcome == OutcomeInterrupted {
		threadStatus = run.ThreadStatusInterrupted
	}
	if err := c.runs.SetThreadStatus(ctx, r.ThreadID, threadStatus); err != nil {
		c.logger.Warn("Failed to reset thread %s: %v", r.ThreadID, err)
	}

	switch outcome {
	case OutcomeCancelled:
		c.streaming.SignalCancelled(ctx, r.ID)
	case OutcomeFailed:
		c.streaming.SignalError(ctx, r.ID, errMsg)
	default:
		// The engine's own end event already closed the stream; just let
		// lingering consumers drain.
		c.streaming.Cleanup(r.ID)
	}

	c.metrics.RecordRunOutcome(ctx, string(status))
	c.streaming.ForgetRun(r.ID)

	c.mu.Lock()
	delete(c.handles, r.ID)
	c.mu.Unlock()

	c.logger.Info("Run %s settled as %s", r.ID, status)
}

// CancelRun requests cancellation of an in-flight run. Cancelling a run that
// already settled is a no-op; the terminal status stands.
func (c *RunCoordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	handle, ok := c.handles[runID]
	c.mu.Unlock()

	if !ok {
		status, err := c.runs.GetStatus(ctx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return nil
		}
		// No handle but not terminal: the record predates this process.
		// Settle it directly so clients stop waiting.
		if err := c.runs.UpdateStatus(ctx, runID, run.StatusCancelled, nil, ""); err != nil {
			return storageError("cancel run", err)
		}
		c.streaming.SignalCancelled(ctx, runID)
		return nil
	}

	handle.cancel(errRunCancelled)
	return nil
}

// InterruptRun surfaces a client-requested interrupt: the run keeps its
// background execution (the engine decides when to yield), but the stored
// status flips so pollers observe the pause.
func (c *RunCoordinator) InterruptRun(ctx context.Context, runID string) error {
	status, err := c.runs.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return nil
	}
	if err := c.runs.UpdateStatus(ctx, runID, run.StatusInterrupted, nil, ""); err != nil {
		return storageError("interrupt run", err)
	}
	return nil
}

// WaitUntilDone blocks until the run settles or the wait budget expires,
// then returns the stored record either way.
func (c *RunCoordinator) WaitUntilDone(ctx context.Context, runID string) (*run.Run, error) {
	c.mu.Lock()
	handle, ok := c.handles[runID]
	c.mu.Unlock()

	if ok {
		timer := time.NewTimer(c.waitTimeout)
		defer timer.Stop()
		select {
		case <-handle.done:
		case <-timer.C:
			c.logger.Warn("Run %s still executing after %s wait", runID, c.waitTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.runs.GetRun(ctx, runID)
}

// IsActive reports whether the run has an in-flight execution.
func (c *RunCoordinator) IsActive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[runID]
	return ok
}

// DeleteRun removes the run's record, events and broker. Active runs are
// rejected unless force is set, in which case the execution is cancelled and
// awaited first.
func (c *RunCoordinator) DeleteRun(ctx context.Context, runID string, force bool) error {
	c.mu.Lock()
	handle, active := c.handles[runID]
	c.mu.Unlock()

	if active {
		if !force {
			return ErrRunActive
		}
		handle.cancel(errRunCancelled)
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.streaming.PurgeEvents(ctx, runID); err != nil {
		return storageError("purge events", err)
	}
	c.streaming.Brokers().Remove(runID)
	c.streaming.ForgetRun(runID)

	if err := c.runs.DeleteRun(ctx, runID); err != nil {
		return storageError("delete run", err)
	}
	return nil
}

// Shutdown cancels every in-flight run and waits for each to settle, bounded
// by ctx.
func (c *RunCoordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]*runHandle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.cancel(errRunCancelled)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
