// Package metrics exports cache and request activity to Prometheus or
// CloudWatch. Both backends implement validation.Observer and
// core.MetricsCollector.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"subvalidator/internal/types"
)

const namespace = "subvalidator"

const maxLabelLen = 64

// sanitizeLabel keeps label values bounded and non-empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Prometheus holds the collectors on a private registry so that tests and
// multiple engines never collide on the global one.
type Prometheus struct {
	registry *prometheus.Registry

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	fetchErrors   *prometheus.CounterVec
	evictions     prometheus.Counter
	cacheEntries  prometheus.Gauge
	verdicts      *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	webhookEvents *prometheus.CounterVec
}

// NewPrometheus registers all collectors plus the Go and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	m := &Prometheus{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "hits_total",
			Help: "Validations served from a fresh cache entry",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "misses_total",
			Help: "Validations that went to the subscription store (absent or stale entry)",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "fetch_errors_total",
			Help: "Subscription store fetch failures by error code",
		}, []string{"code"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "invalidations_total",
			Help: "Entries removed by explicit invalidation",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "entries",
			Help: "Current number of cache entries, stale ones included",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy",
			Name: "verdicts_total",
			Help: "Freshly computed verdicts by validity and reason",
		}, []string{"valid", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http",
			Name:    "request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store",
			Name: "breaker_state",
			Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook",
			Name: "events_total",
			Help: "Billing webhook events by type and outcome",
		}, []string{"type", "outcome"}),
	}

	reg.MustRegister(
		m.cacheHits, m.cacheMisses, m.fetchErrors, m.evictions, m.cacheEntries,
		m.verdicts, m.requests, m.latency, m.breakerState, m.webhookEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) CacheHit()  { m.cacheHits.Inc() }
func (m *Prometheus) CacheMiss() { m.cacheMisses.Inc() }

func (m *Prometheus) FetchFailed(code types.ErrorCode) {
	m.fetchErrors.WithLabelValues(sanitizeLabel(string(code))).Inc()
}

func (m *Prometheus) Computed(result types.ValidationResult) {
	valid := "true"
	if !result.IsValid {
		valid = "false"
	}
	reason := result.ReasonText()
	if reason == "" {
		reason = "none"
	}
	m.verdicts.WithLabelValues(valid, sanitizeLabel(reason)).Inc()
}

func (m *Prometheus) Evicted(n int) {
	if n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *Prometheus) Size(n int) { m.cacheEntries.Set(float64(n)) }

// RecordRequest implements core.MetricsCollector.
func (m *Prometheus) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.requests.WithLabelValues(method, sanitizeLabel(endpoint), status).Inc()
	m.latency.WithLabelValues(method, sanitizeLabel(endpoint)).Observe(duration.Seconds())
}

// RecordWebhook counts a processed billing webhook event.
func (m *Prometheus) RecordWebhook(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(sanitizeLabel(eventType), sanitizeLabel(outcome)).Inc()
}

// BreakerStateChanged matches external.BreakerSettings.OnStateChange.
func (m *Prometheus) BreakerStateChanged(name string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}
