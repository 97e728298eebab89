package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"flume/internal/async"
	"flume/internal/logging"
)

const (
	defaultReaperInterval = 5 * time.Minute
	defaultEventRetention = time.Hour
)

// EventReaper periodically deletes events older than the retention window.
// A failed cycle is logged and the loop continues; only Stop ends it.
type EventReaper struct {
	log       EventLog
	interval  time.Duration
	retention time.Duration
	logger    logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEventReaper builds a reaper over log. Non-positive interval/retention
// fall back to the 5-minute / 1-hour defaults.
func NewEventReaper(log EventLog, interval, retention time.Duration) *EventReaper {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	if retention <= 0 {
		retention = defaultEventRetention
	}
	return &EventReaper{
		log:       log,
		interval:  interval,
		retention: retention,
		logger:    logging.NewComponentLogger("EventReaper"),
		done:      make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call once; later calls no-op.
func (r *EventReaper) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		async.Go(r.logger, "eventlog.reaper", func() {
			defer close(r.done)
			r.run(ctx)
		})
	})
}

// Stop cancels the loop and waits for it to exit. Cancellation is expected
// shutdown, never surfaced as an error.
func (r *EventReaper) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			close(r.done)
			return
		}
		r.cancel()
		<-r.done
	})
}

func (r *EventReaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reapOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("Event cleanup cycle failed: %v", err)
			}
		}
	}
}

func (r *EventReaper) reapOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-r.retention)
	removed, err := r.log.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.logger.Info("Reaped %d events older than %s", removed, r.retention)
	}
	return nil
}
