package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flume/internal/engine"
	"flume/internal/run"
)

func newTestStreaming(t *testing.T) (*StreamingService, run.Store) {
	t.Helper()
	runs := run.NewMemoryStore()
	brokers := NewBrokerRegistry(10*time.Millisecond, time.Minute, time.Hour)
	return NewStreamingService(NewMemoryEventLog(), brokers, runs, nil, nil), runs
}

// frameRecorder collects emitted frames, optionally failing after a limit to
// simulate a dying connection.
type frameRecorder struct {
	mu     sync.Mutex
	frames []WireEvent
}

func (r *frameRecorder) emit(ev WireEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, ev)
	return nil
}

func (r *frameRecorder) get() []WireEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WireEvent(nil), r.frames...)
}

func TestNextEventIDMonotonic(t *testing.T) {
	svc, _ := newTestStreaming(t)
	assert.Equal(t, "run-1_event_1", svc.NextEventID("run-1"))
	assert.Equal(t, "run-1_event_2", svc.NextEventID("run-1"))
	assert.Equal(t, "run-2_event_1", svc.NextEventID("run-2"), "counters are per run")
}

func TestObserveEventIDAdvancesToMax(t *testing.T) {
	svc, _ := newTestStreaming(t)
	svc.ObserveEventID("run-1", "run-1_event_7")
	assert.Equal(t, "run-1_event_8", svc.NextEventID("run-1"))

	// Observing something behind the counter must not rewind it.
	svc.ObserveEventID("run-1", "run-1_event_3")
	assert.Equal(t, "run-1_event_9", svc.NextEventID("run-1"))

	// Malformed ids are ignored.
	svc.ObserveEventID("run-1", "garbage")
	assert.Equal(t, "run-1_event_10", svc.NextEventID("run-1"))
}

func TestPersistAndReplay(t *testing.T) {
	svc, runs := newTestStreaming(t)
	ctx := context.Background()

	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(ctx, r))

	for i := 0; i < 3; i++ {
		eventID := svc.NextEventID(r.ID)
		ev := engine.Tagged(engine.ModeValues, map[string]any{"step": i})
		require.NoError(t, svc.Persist(ctx, r.ID, eventID, ev, false))
	}
	require.NoError(t, runs.UpdateStatus(ctx, r.ID, run.StatusCompleted, nil, ""))

	rec := &frameRecorder{}
	err := svc.ServeStream(ctx, r, StreamOptions{}, rec.emit)
	require.NoError(t, err)

	frames := rec.get()
	require.Len(t, frames, 4, "metadata frame plus three replayed events")
	assert.Equal(t, EventTypeMetadata, frames[0].Event)
	assert.Empty(t, frames[0].ID, "synthetic metadata carries no id")
	for i, frame := range frames[1:] {
		assert.Equal(t, EventTypeValues, frame.Event)
		assert.Equal(t, FormatEventID(r.ID, int64(i+1)), frame.ID)
	}
}

func TestReconnectSkipsMetadataAndReplayed(t *testing.T) {
	svc, runs := newTestStreaming(t)
	ctx := context.Background()

	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(ctx, r))

	for i := 0; i < 5; i++ {
		eventID := svc.NextEventID(r.ID)
		require.NoError(t, svc.Persist(ctx, r.ID, eventID, engine.Tagged(engine.ModeValues, map[string]any{"step": i}), false))
	}
	require.NoError(t, runs.UpdateStatus(ctx, r.ID, run.StatusCompleted, nil, ""))

	rec := &frameRecorder{}
	err := svc.ServeStream(ctx, r, StreamOptions{LastEventID: FormatEventID(r.ID, 3)}, rec.emit)
	require.NoError(t, err)

	frames := rec.get()
	require.Len(t, frames, 2)
	assert.Equal(t, FormatEventID(r.ID, 4), frames[0].ID)
	assert.Equal(t, FormatEventID(r.ID, 5), frames[1].ID)
}

func TestServeStreamDedupesReplayLiveOverlap(t *testing.T) {
	svc, runs := newTestStreaming(t)
	ctx := context.Background()

	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(ctx, r))
	require.NoError(t, runs.UpdateStatus(ctx, r.ID, run.StatusStreaming, nil, ""))

	// Events 1-3 are persisted; the broker still holds 2-4 plus the end
	// marker, overlapping the replay range.
	for seq := int64(1); seq <= 3; seq++ {
		eventID := FormatEventID(r.ID, seq)
		require.NoError(t, svc.Persist(ctx, r.ID, eventID, engine.Tagged(engine.ModeValues, map[string]any{"seq": seq}), false))
	}
	broker := svc.Brokers().GetOrCreate(r.ID)
	for seq := int64(2); seq <= 4; seq++ {
		broker.Put(FormatEventID(r.ID, seq), engine.Tagged(engine.ModeValues, map[string]any{"seq": seq}))
	}
	broker.Put(FormatEventID(r.ID, 5), engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}))

	rec := &frameRecorder{}
	err := svc.ServeStream(ctx, r, StreamOptions{}, rec.emit)
	require.NoError(t, err)

	frames := rec.get()
	var ids []string
	for _, frame := range frames[1:] { // skip metadata
		ids = append(ids, frame.ID)
	}
	want := []string{
		FormatEventID(r.ID, 1),
		FormatEventID(r.ID, 2),
		FormatEventID(r.ID, 3),
		FormatEventID(r.ID, 4),
		FormatEventID(r.ID, 5),
	}
	assert.Equal(t, want, ids, "each sequence delivered exactly once, in order")
}

func TestServeStreamFollowsLiveEvents(t *testing.T) {
	svc, runs := newTestStreaming(t)
	ctx := context.Background()

	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(ctx, r))
	require.NoError(t, runs.UpdateStatus(ctx, r.ID, run.StatusStreaming, nil, ""))

	rec := &frameRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeStream(ctx, r, StreamOptions{}, rec.emit)
	}()

	// Feed live events after the stream attaches.
	time.Sleep(20 * time.Millisecond)
	svc.IngestLive(ctx, r.ID, svc.NextEventID(r.ID), engine.Tagged(engine.ModeValues, map[string]any{"x": 1}), false)
	svc.IngestLive(ctx, r.ID, svc.NextEventID(r.ID), engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}), false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after end event")
	}

	frames := rec.get()
	require.Len(t, frames, 3)
	assert.Equal(t, EventTypeMetadata, frames[0].Event)
	assert.Equal(t, EventTypeValues, frames[1].Event)
	assert.Equal(t, EventTypeEnd, frames[2].Event)
}

func TestServeStreamTerminalRunClosesAfterReplay(t *testing.T) {
	svc, runs := newTestStreaming(t)
	ctx := context.Background()

	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(ctx, r))
	require.NoError(t, svc.Persist(ctx, r.ID, FormatEventID(r.ID, 1), engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}), false))
	require.NoError(t, runs.UpdateStatus(ctx, r.ID, run.StatusCompleted, nil, ""))

	// No broker exists: the stream must not hang waiting for live events.
	rec := &frameRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeStream(ctx, r, StreamOptions{}, rec.emit)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream for terminal run did not close")
	}
	assert.Len(t, rec.get(), 2)
}

func TestIngestLiveDropsFilteredUpdates(t *testing.T) {
	svc, _ := newTestStreaming(t)
	ctx := context.Background()

	svc.IngestLive(ctx, "run-1", "run-1_event_1", engine.Tagged(engine.ModeUpdates, map[string]any{"node": "x"}), true)

	broker := svc.Brokers().Get("run-1")
	if broker != nil {
		assert.True(t, broker.IsEmpty(), "filtered update must not reach the broker")
	}
}

func TestPersistSkipsFilteredUpdates(t *testing.T) {
	svc, _ := newTestStreaming(t)
	ctx := context.Background()

	require.NoError(t, svc.Persist(ctx, "run-1", "run-1_event_1", engine.Tagged(engine.ModeUpdates, map[string]any{"node": "x"}), true))

	summary, err := svc.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestSignalCancelledPersistsMarkerAndFinishesBroker(t *testing.T) {
	svc, _ := newTestStreaming(t)
	ctx := context.Background()

	broker := svc.Brokers().GetOrCreate("run-1")
	svc.ObserveEventID("run-1", "run-1_event_4")

	svc.SignalCancelled(ctx, "run-1")

	assert.True(t, broker.IsFinished())

	events, err := svc.log.ReadAll(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeEnd, events[0].EventType)
	assert.Equal(t, int64(5), events[0].Seq, "marker takes the next sequence")
	assert.Equal(t, string(run.StatusCancelled), events[0].Data["status"])
}

func TestSignalErrorPersistsMessage(t *testing.T) {
	svc, _ := newTestStreaming(t)
	ctx := context.Background()

	svc.SignalError(ctx, "run-1", "engine exploded")

	events, err := svc.log.ReadAll(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(run.StatusFailed), events[0].Data["status"])
	assert.Equal(t, "engine exploded", events[0].Data["error"])
}

type stubCanceller struct {
	mu       sync.Mutex
	canceled []string
}

func (s *stubCanceller) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, runID)
	return nil
}

func TestServeStreamCancelOnDisconnect(t *testing.T) {
	svc, runs := newTestStreaming(t)
	canceller := &stubCanceller{}
	svc.SetRunCanceller(canceller)

	ctx, cancel := context.WithCancel(context.Background())
	r := run.NewRun("thread-1")
	require.NoError(t, runs.CreateRun(context.Background(), r))
	require.NoError(t, runs.UpdateStatus(context.Background(), r.ID, run.StatusStreaming, nil, ""))

	rec := &frameRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeStream(ctx, r, StreamOptions{CancelOnDisconnect: true}, rec.emit)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit after disconnect")
	}

	canceller.mu.Lock()
	defer canceller.mu.Unlock()
	require.Len(t, canceller.canceled, 1)
	assert.Equal(t, r.ID, canceller.canceled[0])
}
