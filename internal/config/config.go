// Package config defines the process configuration for the subscription
// validation service. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"subvalidator/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted in
// logs and JSON dumps of the config.
type SecretString = types.SecretString

// Metrics backends selectable via METRICS_BACKEND.
const (
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendCloudWatch = "cloudwatch"
	MetricsBackendNone       = "none"
)

// Config is the top-level configuration struct. Sub-components receive only the
// section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"subscription-validator"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Breaker       BreakerConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s" validate:"gt=0"`
	// LambdaMode serves through a Lambda function URL instead of a listener.
	LambdaMode bool `envconfig:"LAMBDA_MODE" default:"false"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// CacheConfig tunes the validation cache.
type CacheConfig struct {
	TTL              time.Duration `envconfig:"CACHE_TTL" default:"24h" validate:"gt=0"`
	CoalesceMisses   bool          `envconfig:"CACHE_COALESCE_MISSES" default:"false"`
	BatchConcurrency int           `envconfig:"CACHE_BATCH_CONCURRENCY" default:"16" validate:"gte=1"`
	MaxBatchSize     int           `envconfig:"CACHE_MAX_BATCH_SIZE" default:"500" validate:"gte=1"`
}

// BreakerConfig controls the circuit breaker in front of the subscription store.
type BreakerConfig struct {
	MaxFailures uint32        `envconfig:"STORE_BREAKER_MAX_FAILURES" default:"5" validate:"gte=1"`
	OpenTimeout time.Duration `envconfig:"STORE_BREAKER_OPEN_TIMEOUT" default:"30s" validate:"gt=0"`
}

// AWSConfig holds regional configuration for SSM and CloudWatch.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the Stripe webhook secret. The webhook route is only
// mounted when it is set.
type BillingConfig struct {
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// SecurityConfig holds the service key and CORS settings.
type SecurityConfig struct {
	// ServiceAPIKey guards /api/subscription. Empty disables the check.
	ServiceAPIKey      SecretString `envconfig:"SERVICE_API_KEY"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string        `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string        `envconfig:"METRIC_NAMESPACE" default:"SubscriptionValidator"`
	FlushInterval   time.Duration `envconfig:"METRICS_FLUSH_INTERVAL" default:"1m" validate:"gt=0"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
