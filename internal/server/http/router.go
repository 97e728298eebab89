package http

import (
	"net/http"
	"time"

	"flume/internal/logging"
	"flume/internal/run"
	"flume/internal/server/app"
)

// RouterConfig carries the HTTP-surface tunables. Zero values fall back to
// the package defaults.
type RouterConfig struct {
	AllowedOrigins    []string
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
}

// NewRouter wires the run endpoints onto a mux with the shared middleware.
func NewRouter(coordinator *app.RunCoordinator, streaming *app.StreamingService, runs run.Store, cfg RouterConfig) http.Handler {
	handler := NewRunHandler(coordinator, streaming, runs)
	if cfg.MaxBodyBytes > 0 {
		handler.maxBodySize = cfg.MaxBodyBytes
	}
	if cfg.HeartbeatInterval > 0 {
		handler.heartbeat = cfg.HeartbeatInterval
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/threads/{thread_id}/runs", handler.HandleCreateRun)
	mux.HandleFunc("POST /api/v1/threads/{thread_id}/runs/stream", handler.HandleCreateRunStream)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/runs", handler.HandleListRuns)

	mux.HandleFunc("GET /api/v1/runs/{run_id}", handler.HandleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/stream", handler.HandleStreamRun)
	mux.HandleFunc("POST /api/v1/runs/{run_id}/cancel", handler.HandleCancelRun)
	mux.HandleFunc("POST /api/v1/runs/{run_id}/interrupt", handler.HandleInterruptRun)
	mux.HandleFunc("DELETE /api/v1/runs/{run_id}", handler.HandleDeleteRun)

	mux.HandleFunc("GET /health", handler.HandleHealth)

	var root http.Handler = mux
	root = LoggingMiddleware(logging.NewComponentLogger("HTTP"))(root)
	root = CORSMiddleware(cfg.AllowedOrigins)(root)
	return root
}
