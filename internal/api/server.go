package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/metrics"
	"github.com/JakeFAU/prompt-collector/internal/stopsignal"
)

// Options configures the server.
type Options struct {
	// APIKey enables X-API-Key authentication on /v1 routes when non-empty.
	APIKey         string
	StopDir        string
	RequestTimeout time.Duration
	// Ready reports whether downstream stores are reachable; nil is always ready.
	Ready func(context.Context) error
}

// Server exposes job state and stop requests over HTTP.
type Server struct {
	router chi.Router
	states collector.StateStore
	items  collector.ItemSink
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(states collector.StateStore, items collector.ItemSink, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		states: states,
		items:  items,
		opts:   opts,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/states", s.listStates)
		r.Route("/states/{entity}", func(r chi.Router) {
			r.Get("/", s.getState)
			r.Post("/stop", s.requestStop)
		})
		r.Get("/items/{id}", s.getItem)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.states.List(r.Context())
	if err != nil {
		s.logger.Error("list states failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list states")
		return
	}
	if states == nil {
		states = []collector.JobState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromRequest(w, r)
	if !ok {
		return
	}
	state, err := s.states.Load(r.Context(), target)
	if err != nil {
		s.logger.Error("load state failed", zap.String("target", target.Key()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if state.LastUpdate.IsZero() {
		writeError(w, http.StatusNotFound, "state not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) requestStop(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromRequest(w, r)
	if !ok {
		return
	}
	if s.opts.StopDir == "" {
		writeError(w, http.StatusNotImplemented, "stop requests are not configured")
		return
	}
	path, err := stopsignal.Request(s.opts.StopDir, target.Key())
	if err != nil {
		s.logger.Error("stop request failed", zap.String("target", target.Key()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to request stop")
		return
	}
	s.logger.Info("stop requested", zap.String("target", target.Key()), zap.String("sentinel", path))
	writeJSON(w, http.StatusAccepted, map[string]string{"target": target.Key(), "status": "stop_requested"})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	if s.items == nil {
		writeError(w, http.StatusNotImplemented, "item lookup is not configured")
		return
	}
	item, err := s.items.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, collector.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func targetFromRequest(w http.ResponseWriter, r *http.Request) (collector.Target, bool) {
	target := collector.Target{
		EntityID:  chi.URLParam(r, "entity"),
		VersionID: r.URL.Query().Get("version"),
	}
	if err := target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return collector.Target{}, false
	}
	return target, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
