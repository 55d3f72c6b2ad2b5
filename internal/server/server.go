// Package server is the admin and observability surface of the worker
// daemon: health, prometheus metrics, and read-only debug views of the
// session state and event log. It carries no collaboration traffic.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chalkroom/chalkroom/internal/gateway"
	"github.com/chalkroom/chalkroom/internal/history"
)

// SessionSource exposes the gateway state for the debug view.
type SessionSource interface {
	Snapshot() gateway.Snapshot
}

// EventSource exposes the recorded session events.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Config wires the admin server.
type Config struct {
	Port    int
	Session SessionSource
	Events  EventSource
	Logger  *slog.Logger
}

type Server struct {
	Router *chi.Mux
	port   int
	logger *slog.Logger
	srv    *http.Server
}

// New builds the router with the standard middleware stack.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(10 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "chalkd-admin")
	})

	s := &Server{Router: r, port: cfg.Port, logger: logger}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/session", s.handleSession(cfg.Session))
		r.Get("/events", s.handleEvents(cfg.Events))
	})

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router,
	}
	s.logger.Info("starting admin server", slog.Int("port", s.port))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSession(src SessionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			http.Error(w, "session state unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, src.Snapshot())
	}
}

func (s *Server) handleEvents(src EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			http.Error(w, "event log unavailable", http.StatusNotFound)
			return
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		events, err := src.Recent(r.Context(), limit)
		if err != nil {
			AddError(r.Context(), err)
			http.Error(w, "event log query failed", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []history.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
