package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/maltedev/vendor-feeds/internal/config"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pendingWarnThreshold    = 1000
	deadLetterErrThreshold  = 100
	healthCheckQueryTimeout = 3 * time.Second
)

type OutboxStats interface {
	Counts(ctx context.Context) (database.OutboxCounts, error)
}

// Deps are the optional collaborators behind the ops endpoints.
type Deps struct {
	Outbox   OutboxStats
	Gatherer prometheus.Gatherer
	// Status reports the running component's progress; may be nil.
	Status func() any
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.deps.Outbox != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckQueryTimeout)
		defer cancel()

		counts, err := s.deps.Outbox.Counts(ctx)
		switch {
		case err != nil:
			s.logger.Error("failed to read outbox counts", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			status = http.StatusServiceUnavailable
		case counts.DeadLetter > deadLetterErrThreshold:
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case counts.Pending > pendingWarnThreshold:
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if err == nil {
			health["outbox"] = counts
		}
	}

	if s.deps.Status != nil {
		health["worker"] = s.deps.Status()
	}

	s.respondJSON(w, status, health)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
