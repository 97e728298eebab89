package app

import (
	"errors"
	"fmt"
)

// ErrRunActive is returned when a destructive operation targets a run whose
// background execution has not finished.
var ErrRunActive = errors.New("run is still in progress")

// StorageError wraps a storage I/O failure. It propagates to callers
// unretried; only the background reaper swallows it (per cycle).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err originated in the event log storage layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
