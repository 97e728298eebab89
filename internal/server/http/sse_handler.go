package http

import (
	"fmt"
	"net/http"
	"time"

	"flume/internal/run"
	"flume/internal/server/app"
)

const defaultHeartbeatInterval = 30 * time.Second

// serveSSE bridges a streaming service session onto an HTTP response. The
// stream runs in its own goroutine and hands frames over a channel; this loop
// interleaves them with heartbeat comments so proxies keep the connection
// open during quiet stretches.
func (h *RunHandler) serveSSE(w http.ResponseWriter, r *http.Request, record *run.Run, opts app.StreamOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection established for run %s (cursor: %q)", record.ID, opts.LastEventID)

	ctx := r.Context()
	frames := make(chan app.WireEvent, 16)
	streamDone := make(chan error, 1)

	go func() {
		err := h.streaming.ServeStream(ctx, record, opts, func(ev app.WireEvent) error {
			select {
			case frames <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(frames)
		streamDone <- err
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame, open := <-frames:
			if !open {
				if err := <-streamDone; err != nil && ctx.Err() == nil {
					h.logger.Error("Stream for run %s ended with error: %v", record.ID, err)
				}
				h.logger.Info("SSE connection closed for run %s", record.ID)
				return
			}
			if _, err := w.Write(frame.Encode()); err != nil {
				h.logger.Warn("Failed to write SSE frame for run %s: %v", record.ID, err)
				// Keep draining; the stream goroutine notices the dead
				// connection through the request context.
				continue
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.logger.Warn("Failed to send heartbeat for run %s: %v", record.ID, err)
				return
			}
			flusher.Flush()

		case <-ctx.Done():
			h.logger.Info("SSE client disconnected from run %s", record.ID)
			// Let the stream goroutine observe the cancellation and run its
			// disconnect handling before returning.
			for range frames {
			}
			<-streamDone
			return
		}
	}
}
