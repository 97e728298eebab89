package app

import (
	"context"
	"sync"
	"time"

	"flume/internal/engine"
	"flume/internal/logging"
	"flume/internal/observability"
	"flume/internal/run"
)

// RunCanceller force-cancels a run's background execution. Implemented by the
// RunCoordinator; wired after construction to break the dependency cycle.
type RunCanceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// StreamOptions controls one SSE connection.
type StreamOptions struct {
	// LastEventID is the client's reconnect cursor; empty on first connect.
	LastEventID string
	// CancelOnDisconnect cascades a client disconnect into cancelling the
	// underlying execution.
	CancelOnDisconnect bool
	// Attempt is echoed in the synthetic metadata frame; defaults to 1.
	Attempt int
}

// StreamingService ties the event log, the broker registry and the SSE
// connections together. It is the only writer of event ids: each run carries
// a monotonic sequence counter from which ids are minted.
type StreamingService struct {
	log     EventLog
	brokers *BrokerRegistry
	runs    run.Store
	logger  logging.Logger
	metrics *observability.StreamingMetrics
	tracer  *observability.TracerProvider

	seqMu sync.Mutex
	seqs  map[string]int64 // runID -> last issued sequence

	cancelMu  sync.RWMutex
	canceller RunCanceller
}

// NewStreamingService builds a service over the given log and registry.
func NewStreamingService(log EventLog, brokers *BrokerRegistry, runs run.Store, metrics *observability.StreamingMetrics, tracer *observability.TracerProvider) *StreamingService {
	return &StreamingService{
		log:     log,
		brokers: brokers,
		runs:    runs,
		logger:  logging.NewComponentLogger("StreamingService"),
		metrics: metrics,
		tracer:  tracer,
		seqs:    make(map[string]int64),
	}
}

// SetRunCanceller wires the coordinator used for cancel-on-disconnect.
func (s *StreamingService) SetRunCanceller(c RunCanceller) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.canceller = c
}

// Brokers exposes the registry for lifecycle wiring.
func (s *StreamingService) Brokers() *BrokerRegistry {
	return s.brokers
}

// NextEventID mints the next event id for a run.
func (s *StreamingService) NextEventID(runID string) string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seqs[runID]++
	return FormatEventID(runID, s.seqs[runID])
}

// ObserveEventID advances the counter to at least the sequence embedded in
// eventID. Advancing to the max keeps ingest idempotent and tolerant of
// out-of-order calls.
func (s *StreamingService) ObserveEventID(runID, eventID string) {
	seq, ok := ParseEventSeq(eventID)
	if !ok {
		return
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq > s.seqs[runID] {
		s.seqs[runID] = seq
	}
}

// ForgetRun drops the sequence counter for a run after teardown.
func (s *StreamingService) ForgetRun(runID string) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	delete(s.seqs, runID)
}

// IngestLive applies the interrupt-filtering policy and pushes the surviving
// event into the run's broker.
func (s *StreamingService) IngestLive(ctx context.Context, runID, eventID string, ev engine.RawEvent, onlyInterruptUpdates bool) {
	s.ObserveEventID(runID, eventID)

	mode, payload, keep := filterInterruptUpdates(ev, onlyInterruptUpdates)
	if !keep {
		s.metrics.IncEventsDropped(ctx)
		return
	}

	broker := s.brokers.GetOrCreate(runID)
	if broker.Put(eventID, engine.Tagged(mode, payload)) {
		s.metrics.IncEventsIngested(ctx)
	} else {
		s.metrics.IncEventsDropped(ctx)
	}
}

// Persist applies the same filtering policy independently, maps the event
// onto its storage shape and appends it to the durable log. Live delivery and
// durability are separate concerns with separate policy evaluations.
func (s *StreamingService) Persist(ctx context.Context, runID, eventID string, ev engine.RawEvent, onlyInterruptUpdates bool) error {
	s.ObserveEventID(runID, eventID)

	mode, payload, keep := filterInterruptUpdates(ev, onlyInterruptUpdates)
	if !keep {
		return nil
	}
	stored, ok := toStoredEvent(runID, eventID, mode, payload)
	if !ok {
		return nil
	}
	stored.CreatedAt = time.Now().UTC()

	start := time.Now()
	err := s.log.Append(ctx, stored)
	s.metrics.RecordAppendLatency(ctx, time.Since(start))
	if err != nil {
		return err
	}
	s.metrics.IncEventsPersisted(ctx)
	return nil
}

// ServeStream is the per-connection entry point: replay the persisted events
// past the client's cursor, then tail the live broker, delivering each
// sequence number at most once across the replay/live boundary.
//
// Internal failures surface as a single in-band error frame followed by a
// clean close; only emit failures and context cancellation propagate.
func (s *StreamingService) ServeStream(ctx context.Context, r *run.Run, opts StreamOptions, emit func(WireEvent) error) error {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanRunStream, observability.RunAttrs(r.ID, r.ThreadID)...)
	defer span.End()

	s.metrics.IncActiveStreams(ctx)
	defer s.metrics.DecActiveStreams(ctx)

	attempt := opts.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	// First connection gets a synthetic metadata frame at sequence 0. It is
	// not persisted, so reconnects never see it again.
	if opts.LastEventID == "" {
		if err := emit(metadataWireEvent(r.ID, attempt)); err != nil {
			return err
		}
	}

	watermark := int64(-1)
	if seq, ok := ParseEventSeq(opts.LastEventID); ok {
		watermark = seq
	}

	// Replay from the durable log.
	events, err := s.log.ReadSince(ctx, r.ID, opts.LastEventID)
	if err != nil {
		s.logger.Error("Replay failed for run %s: %v", r.ID, err)
		if emitErr := emit(errorWireEvent(err.Error())); emitErr != nil {
			return emitErr
		}
		return nil
	}
	replayed := int64(0)
	for _, stored := range events {
		wire, ok := storedToWire(stored, r.ID)
		if !ok {
			continue
		}
		if err := emit(wire); err != nil {
			return err
		}
		replayed++
		if stored.Seq > watermark {
			watermark = stored.Seq
		}
	}
	s.metrics.AddEventsReplayed(ctx, replayed)

	// Nothing more will ever arrive once the run is terminal and its broker
	// has finished (or never existed).
	status, statusErr := s.runs.GetStatus(ctx, r.ID)
	if statusErr == nil && status.IsTerminal() {
		if broker := s.brokers.Get(r.ID); broker == nil || broker.IsFinished() {
			return nil
		}
	}

	// Live tail. The watermark guarantees no duplicate across the handoff:
	// anything at or below it was already replayed.
	broker := s.brokers.GetOrCreate(r.ID)
	for item := range broker.Consume(ctx) {
		seq, ok := ParseEventSeq(item.EventID)
		if !ok {
			seq = 0
		}
		if seq <= watermark {
			continue
		}
		wire, ok := toWireEvent(r.ID, item.EventID, item.Event.Mode, item.Event.Payload)
		if !ok {
			continue
		}
		if err := emit(wire); err != nil {
			return err
		}
		watermark = seq
	}

	if ctx.Err() != nil {
		if opts.CancelOnDisconnect {
			s.cascadeCancel(r.ID)
		}
		return ctx.Err()
	}
	return nil
}

func (s *StreamingService) cascadeCancel(runID string) {
	s.cancelMu.RLock()
	canceller := s.canceller
	s.cancelMu.RUnlock()
	if canceller == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := canceller.CancelRun(ctx, runID); err != nil {
		s.logger.Warn("Cancel-on-disconnect failed for run %s: %v", runID, err)
	}
}

// SignalCancelled pushes a synthetic end event carrying the cancelled status
// into the run's broker (when one exists), persists the marker for future
// reconnects, and marks the broker for cleanup.
func (s *StreamingService) SignalCancelled(ctx context.Context, runID string) {
	s.signalEnd(ctx, runID, map[string]any{"status": string(run.StatusCancelled)})
}

// SignalError is the failure counterpart of SignalCancelled.
func (s *StreamingService) SignalError(ctx context.Context, runID, message string) {
	s.signalEnd(ctx, runID, map[string]any{"status": string(run.StatusFailed), "error": message})
}

func (s *StreamingService) signalEnd(ctx context.Context, runID string, payload map[string]any) {
	eventID := s.NextEventID(runID)
	ev := engine.Tagged(engine.ModeEnd, payload)

	if broker := s.brokers.Get(runID); broker != nil {
		broker.Put(eventID, ev)
	}
	if err := s.Persist(ctx, runID, eventID, ev, false); err != nil {
		s.logger.Warn("Failed to persist terminal marker for run %s: %v", runID, err)
	}
	s.brokers.MarkForCleanup(runID)
}

// Cleanup marks the run's broker finished without removing it, so draining
// consumers still receive the queued tail.
func (s *StreamingService) Cleanup(runID string) {
	s.brokers.MarkForCleanup(runID)
}

// Summary exposes the event log tail for the REST status endpoint.
func (s *StreamingService) Summary(ctx context.Context, runID string) (*RunEventSummary, error) {
	return s.log.Summary(ctx, runID)
}

// PurgeEvents removes all persisted events for a run.
func (s *StreamingService) PurgeEvents(ctx context.Context, runID string) error {
	return s.log.Purge(ctx, runID)
}
