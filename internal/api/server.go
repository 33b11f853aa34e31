// Package api assembles the relay's HTTP surface: the WebSocket endpoint,
// the sessions REST API, health, and Prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/canvascast/canvascast/internal/metrics"
	"github.com/canvascast/canvascast/internal/session"
)

// SessionInfo is the JSON-serializable summary of a live session returned
// by the sessions API. Destinations are intentionally absent: nothing
// derived from a stream key leaves the process through this surface.
type SessionInfo struct {
	ID      string         `json:"id"`
	Profile string         `json:"profile"`
	Status  session.Status `json:"status"`
}

// Server carries the handlers' shared collaborators.
type Server struct {
	log      *slog.Logger
	registry *session.Registry
	metrics  *metrics.Metrics
	gateway  http.Handler
}

// New creates the API server. If log is nil, slog.Default() is used.
func New(registry *session.Registry, m *metrics.Metrics, gateway http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "api"),
		registry: registry,
		metrics:  m,
		gateway:  gateway,
	}
}

// Router builds the chi router with request logging on the REST routes.
// The WebSocket route skips the logging middleware: a connection lasting
// hours would log once, misleadingly, at disconnect.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.gateway.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.log))
		r.Get("/healthz", s.handleHealth)
		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/sessions/{id}", s.handleGetSession)
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metrics.Handler(func() {
			s.metrics.SetActiveSessions(s.registry.Len())
		}).ServeHTTP(w, req)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.List()
	infos := make([]SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = SessionInfo{
			ID:      sess.ID(),
			Profile: sess.Profile().String(),
			Status:  sess.Snapshot(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, SessionInfo{
		ID:      sess.ID(),
		Profile: sess.Profile().String(),
		Status:  sess.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requestLogger logs each REST request with method, path, status, and
// duration.
func requestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrap.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
