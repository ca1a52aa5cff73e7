package httpx

import (
	"net/http"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerRouter serves health and metrics for a standalone worker.
type WorkerRouter struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	metrics *requestMetrics
}

// NewWorkerRouter registers /metrics and /healthz over the given checks.
func NewWorkerRouter(logger *slog.Logger, checks map[string]HealthCheck) *WorkerRouter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &WorkerRouter{
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: newRequestMetrics("worker"),
	}
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", auditHandler(r.logger, r.metrics, "/healthz", healthHandler(checks)))
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *WorkerRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
