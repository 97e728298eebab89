package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flume/internal/engine"
)

func collectItems(t *testing.T, ch <-chan BrokerItem) []BrokerItem {
	t.Helper()
	var items []BrokerItem
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-timeout:
			t.Fatal("timed out draining broker")
		}
	}
}

func TestRunBrokerDeliversInOrder(t *testing.T) {
	broker := NewRunBroker("run-1", 10*time.Millisecond, nil)

	broker.Put("run-1_event_1", engine.Tagged(engine.ModeValues, map[string]any{"step": 1}))
	broker.Put("run-1_event_2", engine.Tagged(engine.ModeUpdates, map[string]any{"step": 2}))
	broker.Put("run-1_event_3", engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}))

	items := collectItems(t, broker.Consume(context.Background()))
	require.Len(t, items, 3)
	assert.Equal(t, "run-1_event_1", items[0].EventID)
	assert.Equal(t, "run-1_event_2", items[1].EventID)
	assert.Equal(t, engine.ModeEnd, items[2].Event.Mode)
}

func TestRunBrokerEndEventFinishes(t *testing.T) {
	broker := NewRunBroker("run-1", 10*time.Millisecond, nil)

	ok := broker.Put("run-1_event_1", engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}))
	require.True(t, ok)
	assert.True(t, broker.IsFinished())

	// The terminal state is one-way: later puts are dropped.
	ok = broker.Put("run-1_event_2", engine.Tagged(engine.ModeValues, map[string]any{}))
	assert.False(t, ok)

	items := collectItems(t, broker.Consume(context.Background()))
	require.Len(t, items, 1)
	assert.Equal(t, "run-1_event_1", items[0].EventID)
}

func TestRunBrokerConsumeClosesAfterEnd(t *testing.T) {
	broker := NewRunBroker("run-1", 10*time.Millisecond, nil)
	ch := broker.Consume(context.Background())

	go func() {
		broker.Put("run-1_event_1", engine.Tagged(engine.ModeValues, map[string]any{"a": 1}))
		broker.Put("run-1_event_2", engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}))
	}()

	items := collectItems(t, ch)
	assert.Len(t, items, 2)
}

func TestRunBrokerMarkFinishedDrains(t *testing.T) {
	broker := NewRunBroker("run-1", 10*time.Millisecond, nil)
	broker.Put("run-1_event_1", engine.Tagged(engine.ModeValues, map[string]any{"a": 1}))
	broker.MarkFinished()

	// Finishing while items are still queued must not lose the tail.
	items := collectItems(t, broker.Consume(context.Background()))
	require.Len(t, items, 1)
	assert.Equal(t, "run-1_event_1", items[0].EventID)
}

func TestRunBrokerConsumeStopsOnContextCancel(t *testing.T) {
	broker := NewRunBroker("run-1", 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Consume(ctx)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close without delivering")
	case <-time.After(time.Second):
		t.Fatal("consume did not stop after cancellation")
	}
}

func TestRunBrokerWakesWaitingConsumer(t *testing.T) {
	// Poll interval far beyond the test budget: delivery must come from the
	// notify wakeup, not the poll timer.
	broker := NewRunBroker("run-1", time.Hour, nil)
	ch := broker.Consume(context.Background())

	time.AfterFunc(20*time.Millisecond, func() {
		broker.Put("run-1_event_1", engine.Tagged(engine.ModeEnd, map[string]any{"status": "completed"}))
	})

	select {
	case item := <-ch:
		assert.Equal(t, "run-1_event_1", item.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not woken by put")
	}
}
