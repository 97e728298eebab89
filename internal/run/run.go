// Package run holds the run descriptor and the run repository ports.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse lifecycle state of a run.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusStreaming   Status = "streaming"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether no further transitions may occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStreaming,
		StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	default:
		return false
	}
}

// ThreadStatus tracks whether a thread is free to accept another run.
type ThreadStatus string

const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusBusy        ThreadStatus = "busy"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
)

// Run identifies one execution. Terminal statuses are assigned exactly once;
// a resumed interrupted run gets a fresh Run with its own id.
type Run struct {
	ID           string         `json:"run_id"`
	ThreadID     string         `json:"thread_id"`
	Status       Status         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewRun builds a pending run with a fresh id for the given thread.
func NewRun(threadID string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        NewRunID(),
		ThreadID:  threadID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String())
}
