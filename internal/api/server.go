// Package api exposes the operational HTTP surface of the harvester:
// health and readiness probes, Prometheus metrics, and a live view of the
// current run's counters.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
)

// Server serves the ops endpoints. It never participates in job dispatch;
// the run is driven entirely by the controller.
type Server struct {
	router  chi.Router
	runID   string
	readyFn func() bool
	statsFn func() ingest.StatsSnapshot
	logger  *zap.Logger
}

// NewServer constructs a Server. readyFn reports whether the container pool
// has been provisioned; statsFn snapshots the run counters.
func NewServer(runID string, readyFn func() bool, statsFn func() ingest.StatsSnapshot, logger *zap.Logger) *Server {
	s := &Server{
		runID:   runID,
		readyFn: readyFn,
		statsFn: statsFn,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/stats", s.stats)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.readyFn != nil && !s.readyFn() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "provisioning"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	snap := ingest.StatsSnapshot{}
	if s.statsFn != nil {
		snap = s.statsFn()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.runID,
		"totals": snap,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
