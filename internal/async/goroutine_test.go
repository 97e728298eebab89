package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type captureLogger struct {
	mu     sync.Mutex
	lines  []string
	notify chan struct{}
	once   sync.Once
}

func (l *captureLogger) record(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
	if l.notify != nil {
		l.once.Do(func() { close(l.notify) })
	}
}

func (l *captureLogger) Debug(format string, args ...any) { l.record(format, args...) }
func (l *captureLogger) Info(format string, args ...any)  { l.record(format, args...) }
func (l *captureLogger) Warn(format string, args ...any)  { l.record(format, args...) }
func (l *captureLogger) Error(format string, args ...any) { l.record(format, args...) }

func (l *captureLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &captureLogger{notify: make(chan struct{})}

	Go(logger, "test.panics", func() {
		panic("boom")
	})
	<-logger.notify

	lines := logger.all()
	if len(lines) != 1 {
		t.Fatalf("expected 1 panic log line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "test.panics") || !strings.Contains(lines[0], "boom") {
		t.Errorf("panic line missing name or value: %q", lines[0])
	}
}

func TestGoRunsFunction(t *testing.T) {
	logger := &captureLogger{}
	done := make(chan struct{})

	Go(logger, "test.clean", func() {
		close(done)
	})
	<-done

	if lines := logger.all(); len(lines) != 0 {
		t.Errorf("expected no log lines after clean return, got %v", lines)
	}
}

func TestGoNilLoggerDoesNotCrash(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "nil-logger", func() {
		defer close(done)
		panic("ignored")
	})
	<-done
}
