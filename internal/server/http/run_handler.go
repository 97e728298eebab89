package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"flume/internal/logging"
	"flume/internal/run"
	"flume/internal/server/app"
)

const defaultMaxRunBodySize = 1 << 20 // 1 MiB

// RunHandler serves the run lifecycle endpoints.
type RunHandler struct {
	coordinator *app.RunCoordinator
	streaming   *app.StreamingService
	runs        run.Store
	summaries   *summaryCache
	logger      logging.Logger

	maxBodySize int64
	heartbeat   time.Duration
}

// NewRunHandler creates the handler for the run REST surface.
func NewRunHandler(coordinator *app.RunCoordinator, streaming *app.StreamingService, runs run.Store) *RunHandler {
	return &RunHandler{
		coordinator: coordinator,
		streaming:   streaming,
		runs:        runs,
		summaries:   newSummaryCache(),
		logger:      logging.NewComponentLogger("RunHandler"),
		maxBodySize: defaultMaxRunBodySize,
		heartbeat:   defaultHeartbeatInterval,
	}
}

type createRunRequest struct {
	Input       map[string]any `json:"input"`
	StreamModes []string       `json:"stream_mode,omitempty"`
}

type runResponse struct {
	*run.Run
	Events *app.RunEventSummary `json:"events,omitempty"`
}

func (h *RunHandler) decodeCreateRequest(w http.ResponseWriter, r *http.Request) (*createRunRequest, bool) {
	req := &createRunRequest{}
	body := http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		h.writeJSONError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	return req, true
}

// HandleCreateRun starts a run for a thread and returns immediately; clients
// attach to the stream or poll for status afterwards.
func (h *RunHandler) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "thread_id required", nil)
		return
	}
	req, ok := h.decodeCreateRequest(w, r)
	if !ok {
		return
	}

	created, err := h.coordinator.StartRun(r.Context(), threadID, req.Input, req.StreamModes)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to start run", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, runResponse{Run: created})
}

// HandleCreateRunStream starts a run and streams its events on the same
// connection.
func (h *RunHandler) HandleCreateRunStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "thread_id required", nil)
		return
	}
	req, ok := h.decodeCreateRequest(w, r)
	if !ok {
		return
	}

	created, err := h.coordinator.StartRun(r.Context(), threadID, req.Input, req.StreamModes)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to start run", err)
		return
	}

	// The creating client owns the run: its disconnect cancels the execution.
	h.serveSSE(w, r, created, app.StreamOptions{CancelOnDisconnect: true})
}

// HandleListRuns lists a thread's runs, newest state included.
func (h *RunHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "thread_id required", nil)
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), threadID)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns the run record with its event summary attached.
func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	record, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}

	summary, err := h.runSummary(r.Context(), record)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to load event summary", err)
		return
	}
	h.writeJSON(w, http.StatusOK, runResponse{Run: record, Events: summary})
}

// runSummary fetches the event summary, serving terminal runs from the cache.
func (h *RunHandler) runSummary(ctx context.Context, record *run.Run) (*app.RunEventSummary, error) {
	if !record.Status.IsTerminal() {
		return h.streaming.Summary(ctx, record.ID)
	}
	if cached, ok := h.summaries.Get(record.ID); ok {
		return cached, nil
	}
	summary, err := h.streaming.Summary(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if summary != nil {
		h.summaries.Put(record.ID, summary)
	}
	return summary, nil
}

// HandleStreamRun attaches (or reconnects) a viewer to a run's event stream.
func (h *RunHandler) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	record, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}

	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	cancelOnDisconnect := r.URL.Query().Get("cancel_on_disconnect") == "true"

	h.serveSSE(w, r, record, app.StreamOptions{
		LastEventID:        lastEventID,
		CancelOnDisconnect: cancelOnDisconnect,
	})
}

// HandleCancelRun requests cancellation; idempotent for settled runs.
func (h *RunHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if err := h.coordinator.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to cancel run", err)
		return
	}
	h.summaries.Invalidate(runID)
	h.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "cancelling"})
}

// HandleInterruptRun flips the run to interrupted so pollers observe the pause.
func (h *RunHandler) HandleInterruptRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if err := h.coordinator.InterruptRun(r.Context(), runID); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to interrupt run", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": string(run.StatusInterrupted)})
}

// HandleDeleteRun removes a run and its events. Active runs are a conflict
// unless ?force=true, which cancels first.
func (h *RunHandler) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	force := r.URL.Query().Get("force") == "true"

	if err := h.coordinator.DeleteRun(r.Context(), runID, force); err != nil {
		switch {
		case errors.Is(err, app.ErrRunActive):
			h.writeJSONError(w, http.StatusConflict, "run is still in progress", nil)
		case errors.Is(err, run.ErrNotFound):
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
		default:
			h.writeJSONError(w, http.StatusInternalServerError, "failed to delete run", err)
		}
		return
	}
	h.summaries.Invalidate(runID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth reports liveness.
func (h *RunHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
