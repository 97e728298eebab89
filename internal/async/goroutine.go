// Package async launches guarded background goroutines.
package async

import (
	"runtime/debug"

	"flume/internal/logging"
)

// Go runs fn on its own goroutine. A panic inside fn is logged under the
// goroutine's name and swallowed; one misbehaving run must not take the
// process down. A nil logger silences the report.
func Go(logger logging.Logger, name string, fn func()) {
	log := logging.OrNop(logger)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic in goroutine %s: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
