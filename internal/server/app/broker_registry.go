package app

import (
	"context"
	"sync"
	"time"

	"flume/internal/async"
	"flume/internal/logging"
)

const (
	defaultReclaimInterval     = 5 * time.Minute
	defaultBrokerIdleThreshold = time.Hour
)

// BrokerRegistry owns every live broker, keyed by run id. It is the single
// piece of shared mutable state between the producer, consumers and the
// background reclaimer, so all structural mutation happens under its mutex.
type BrokerRegistry struct {
	pollInterval  time.Duration
	reclaimEvery  time.Duration
	idleThreshold time.Duration
	logger        logging.Logger

	mu      sync.RWMutex
	brokers map[string]*RunBroker

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBrokerRegistry creates an empty registry. Non-positive intervals fall
// back to the 5-minute reclaim period and 1-hour idle threshold.
func NewBrokerRegistry(pollInterval, reclaimEvery, idleThreshold time.Duration) *BrokerRegistry {
	if reclaimEvery <= 0 {
		reclaimEvery = defaultReclaimInterval
	}
	if idleThreshold <= 0 {
		idleThreshold = defaultBrokerIdleThreshold
	}
	return &BrokerRegistry{
		pollInterval:  pollInterval,
		reclaimEvery:  reclaimEvery,
		idleThreshold: idleThreshold,
		logger:        logging.NewComponentLogger("BrokerRegistry"),
		brokers:       make(map[string]*RunBroker),
		done:          make(chan struct{}),
	}
}

// GetOrCreate returns the broker for runID, creating it on first use.
func (r *BrokerRegistry) GetOrCreate(runID string) *RunBroker {
	r.mu.RLock()
	broker, ok := r.brokers[runID]
	r.mu.RUnlock()
	if ok {
		return broker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if broker, ok := r.brokers[runID]; ok {
		return broker
	}
	broker = NewRunBroker(runID, r.pollInterval, r.logger)
	r.brokers[runID] = broker
	r.logger.Debug("Created broker for run %s (total: %d)", runID, len(r.brokers))
	return broker
}

// Get returns the broker for runID, or nil when none exists.
func (r *BrokerRegistry) Get(runID string) *RunBroker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokers[runID]
}

// MarkForCleanup finishes the broker without removing it: draining consumers
// still get the queued tail, and the reclaimer removes it later.
func (r *BrokerRegistry) MarkForCleanup(runID string) {
	if broker := r.Get(runID); broker != nil {
		broker.MarkFinished()
	}
}

// Remove drops the broker immediately. For forceful teardown only.
func (r *BrokerRegistry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, runID)
}

// Len reports the number of registered brokers.
func (r *BrokerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.brokers)
}

// ReclaimOnce removes brokers that are finished, drained and older than the
// idle threshold. Anything else stays: removing a broker that is still open,
// still holds items, or is younger than the threshold would lose events.
func (r *BrokerRegistry) ReclaimOnce() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for runID, broker := range r.brokers {
		if broker.IsFinished() && broker.IsEmpty() && broker.Age() > r.idleThreshold {
			delete(r.brokers, runID)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Reclaimed %d idle brokers (remaining: %d)", removed, len(r.brokers))
	}
	return removed
}

// StartReclaimer launches the periodic reclamation loop.
func (r *BrokerRegistry) StartReclaimer() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		async.Go(r.logger, "broker.reclaimer", func() {
			defer close(r.done)
			ticker := time.NewTicker(r.reclaimEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.ReclaimOnce()
				}
			}
		})
	})
}

// StopReclaimer cancels the loop and waits for it to exit.
func (r *BrokerRegistry) StopReclaimer() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			close(r.done)
			return
		}
		r.cancel()
		<-r.done
	})
}
