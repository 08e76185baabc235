// Package core provides the HTTP chassis for the courier API. It builds a chi
// router and enforces the cross-cutting concerns (panic recovery, request
// correlation, tracing, logging, metrics and error envelopes) before requests
// reach the domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates the API dependencies so tests can inject their own.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are executed by GET /health.
	HealthProbes []HealthProbe

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount the domain handlers under /v1. They are set by
	// the entry point so core does not import the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// OnShutdown hooks run in order during Shutdown.
	OnShutdown []func(context.Context) error

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. The caller mounts routes with MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered shutdown hooks. Every hook runs even when an
// earlier one fails; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.OnShutdown {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
