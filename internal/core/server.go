// Package core provides the HTTP chassis for the subscription validation
// service. It builds a chi router that works both behind a plain listener and
// behind a Lambda function URL, and it applies the cross-cutting concerns
// (recovery, request IDs, logging, metrics, compression and service-key auth)
// before requests reach domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subvalidator/internal/config"
)

// Server holds the chassis dependencies. Fields are exported so main and tests
// can inject collaborators before MountRoutes is called.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// RouteRegistrars mount behind service-key auth under APIPrefix.
	RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount under APIPrefix without service-key auth.
	// Routes registered here authenticate by other means (webhook signatures).
	PublicRouteRegistrars []RouteRegistrar

	// ShutdownHooks run in order during Shutdown.
	ShutdownHooks []func(ctx context.Context) error

	router  *chi.Mux
	mounted bool
}

// NewServer validates the critical dependencies and returns a Server with an
// empty router. Call MountRoutes once all registrars are attached.
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

// Handler returns the root handler, mounting routes on first use.
func (s *Server) Handler() http.Handler {
	if !s.mounted {
		s.MountRoutes()
	}
	return s.router
}

// Router exposes the underlying mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs every hook and reports all failures together.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.ShutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
