package app

import (
	"context"
	"sync"
	"time"

	"flume/internal/engine"
	"flume/internal/logging"
)

const defaultConsumePollInterval = 100 * time.Millisecond

// BrokerItem pairs an event id with the raw event pushed for it.
type BrokerItem struct {
	EventID string
	Event   engine.RawEvent
}

// RunBroker is the in-memory, per-run live event queue. It moves from Open to
// Finished exactly once and never back; after Finished, puts are dropped.
//
// One logical consumer drains a broker at a time. Reconnecting viewers get
// the full stream from the event log, not from here.
type RunBroker struct {
	runID        string
	pollInterval time.Duration
	logger       logging.Logger

	mu        sync.Mutex
	queue     []BrokerItem
	finished  bool
	createdAt time.Time

	// notify wakes a waiting consumer after a put or finish transition.
	notify chan struct{}
}

// NewRunBroker creates an open broker for runID.
func NewRunBroker(runID string, pollInterval time.Duration, logger logging.Logger) *RunBroker {
	if pollInterval <= 0 {
		pollInterval = defaultConsumePollInterval
	}
	return &RunBroker{
		runID:        runID,
		pollInterval: pollInterval,
		logger:       logging.OrNop(logger),
		createdAt:    time.Now(),
		notify:       make(chan struct{}, 1),
	}
}

// Put enqueues an event for the live consumer. Returns false when the broker
// is already finished (the event is dropped and logged). An end-shaped event
// finishes the broker as a side effect, so no second call is needed.
func (b *RunBroker) Put(eventID string, event engine.RawEvent) bool {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		b.logger.Warn("Dropping event %s: broker for run %s already finished", eventID, b.runID)
		return false
	}
	b.queue = append(b.queue, BrokerItem{EventID: eventID, Event: event})
	if isEndShaped(event) {
		b.finished = true
	}
	b.mu.Unlock()

	b.wake()
	return true
}

// MarkFinished sets the terminal flag without an end payload. Idempotent;
// used for externally-triggered cancel/error teardown.
func (b *RunBroker) MarkFinished() {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
	b.wake()
}

// IsFinished reports whether the broker reached its terminal state.
func (b *RunBroker) IsFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// IsEmpty reports whether no undelivered items remain.
func (b *RunBroker) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0
}

// Age reports how long the broker has existed, for idle reclamation.
func (b *RunBroker) Age() time.Duration {
	return time.Since(b.createdAt)
}

// Consume returns a channel of queued items. The channel closes when the
// broker is finished and drained, when an end-shaped item has been delivered,
// or when ctx is cancelled. The consumer re-checks liveness on a short poll
// interval as a backstop to the notify wakeup.
func (b *RunBroker) Consume(ctx context.Context) <-chan BrokerItem {
	out := make(chan BrokerItem)

	go func() {
		defer close(out)
		for {
			item, ok, finished := b.pop()
			if ok {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
				if isEndShaped(item.Event) {
					return
				}
				continue
			}
			if finished {
				return
			}

			timer := time.NewTimer(b.pollInterval)
			select {
			case <-b.notify:
				timer.Stop()
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	return out
}

func (b *RunBroker) pop() (BrokerItem, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return BrokerItem{}, false, b.finished
	}
	item := b.queue[0]
	b.queue = b.queue[1:]
	return item, true, b.finished
}

func (b *RunBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// isEndShaped reports whether the raw event terminates the stream.
func isEndShaped(event engine.RawEvent) bool {
	return event.Mode == engine.ModeEnd
}
