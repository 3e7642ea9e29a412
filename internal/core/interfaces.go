package core

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthProbe is a subsystem check run by GET /health.
type HealthProbe interface {
	// Name identifies the component in the health response (e.g. "database").
	Name() string
	// Check must respect the context deadline.
	Check(ctx context.Context) error
}

// MetricsCollector records API request telemetry. route is the chi route
// pattern, not the raw path, to keep label cardinality bounded.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler group onto the API router. Registrars are
// supplied by main so core never imports handler packages.
type RouteRegistrar func(r chi.Router)
