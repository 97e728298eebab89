package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"flume/internal/logging"
)

// ErrNotFound is returned when a run id has no record.
var ErrNotFound = errors.New("run not found")

// Store is the run repository consumed by the streaming core and the REST
// surface. UpdateStatus must be safely callable from cancellation and error
// handlers, so implementations never block on in-flight executions.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// UpdateStatus applies a status transition with optional output and error
	// message. Transitions against a run already in a terminal status are
	// ignored: terminal states are assigned exactly once.
	UpdateStatus(ctx context.Context, runID string, status Status, output map[string]any, errorMessage string) error
	GetStatus(ctx context.Context, runID string) (Status, error)
	SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error
	GetThreadStatus(ctx context.Context, threadID string) (ThreadStatus, error)
	DeleteRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, threadID string) ([]*Run, error)
}

// MemoryStore is an in-memory Store guarded by a RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	threads map[string]ThreadStatus
	logger  logging.Logger
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*Run),
		threads: make(map[string]ThreadStatus),
		logger:  logging.NewComponentLogger("RunStore"),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *r
	s.runs[r.ID] = &stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *stored
	return &r, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, runID string, status Status, output map[string]any, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.IsTerminal() {
		s.logger.Warn("Ignoring status transition %s -> %s for terminal run %s", stored.Status, status, runID)
		return nil
	}

	stored.Status = status
	stored.Output = output
	stored.ErrorMessage = errorMessage
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.runs[runID]
	if !ok {
		return "", ErrNotFound
	}
	return stored.Status, nil
}

func (s *MemoryStore) SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[threadID] = status
	return nil
}

func (s *MemoryStore) GetThreadStatus(ctx context.Context, threadID string) (ThreadStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.threads[threadID]
	if !ok {
		return ThreadStatusIdle, nil
	}
	return status, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	for _, stored := range s.runs {
		if threadID == "" || stored.ThreadID == threadID {
			r := *stored
			runs = append(runs, &r)
		}
	}
	return runs, nil
}
