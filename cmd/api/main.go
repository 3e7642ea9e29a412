// Package main is the entry point for the subscription validation API.
//
// It loads configuration (resolving secrets from SSM outside local mode),
// connects to PostgreSQL, builds the validation cache behind a circuit
// breaker and serves the chi router either on a plain listener or behind a
// Lambda function URL.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/sony/gobreaker/v2"

	"subvalidator/internal/api/handlers"
	"subvalidator/internal/billing"
	"subvalidator/internal/config"
	"subvalidator/internal/core"
	"subvalidator/internal/db"
	"subvalidator/internal/external"
	"subvalidator/internal/metrics"
	"subvalidator/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(newSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subscription validator starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"cache_ttl", cfg.Cache.TTL.String(),
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	tel, err := newTelemetry(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("initializing metrics: %w", err)
	}

	companies := db.NewCompanyRepository(pool)
	srv, err := buildServer(cfg, logger, serverDeps{
		Facts:     companies,
		Users:     companies,
		Companies: companies,
		State:     db.NewSubscriptionStateRepo(pool, logger),
		Probes:    []core.HealthProbe{db.NewHealthProbe(pool)},
	}, tel)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.ShutdownHooks = append(srv.ShutdownHooks, tel.shutdown, func(context.Context) error {
		pool.Close()
		return nil
	})

	if cfg.Server.LambdaMode || isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// serverDeps are the store-side collaborators of the server.
type serverDeps struct {
	Facts     external.FactsSource
	Users     billing.UserCounter
	Companies handlers.CompanyLookup
	State     handlers.SubscriptionStateUpdater
	Probes    []core.HealthProbe
}

// buildServer wires the cache, handlers and chassis. Routes are mounted
// before it returns.
func buildServer(cfg *config.Config, logger *slog.Logger, deps serverDeps, tel *telemetry) (*core.Server, error) {
	store := external.NewBreakerStore(deps.Facts, external.BreakerSettings{
		MaxFailures:   cfg.Breaker.MaxFailures,
		OpenTimeout:   cfg.Breaker.OpenTimeout,
		CallTimeout:   cfg.Database.AcquireTimeout,
		Logger:        logger,
		OnStateChange: tel.onBreakerChange,
	})

	policy := billing.NewPolicy(billing.NewStaticPlanRegistry())
	engine := validation.NewEngine(store,
		validation.WithTTL(cfg.Cache.TTL),
		validation.WithLogger(logger),
		validation.WithObserver(tel.observers),
		validation.WithBatchConcurrency(cfg.Cache.BatchConcurrency),
		validation.WithMissCoalescing(cfg.Cache.CoalesceMisses),
		validation.WithPolicy(policy),
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = deps.Probes
	if tel.collector != nil {
		srv.Metrics = tel.collector
	}
	srv.MetricsHandler = tel.handler

	validationHandler := handlers.NewValidationHandler(engine, cfg.Cache.MaxBatchSize, logger)
	usageHandler := handlers.NewUsageHandler(billing.NewUsageReporter(store, deps.Users, policy))
	srv.RouteRegistrars = append(srv.RouteRegistrars,
		validationHandler.RegisterRoutes,
		usageHandler.RegisterRoutes,
	)

	if cfg.Billing.StripeWebhookSecret.IsSet() {
		webhookDeps := handlers.StripeWebhookDeps{
			Verifier:    &external.StripeVerifier{},
			Companies:   deps.Companies,
			State:       deps.State,
			Invalidator: engine,
			Validator:   srv.Validator,
			Secret:      cfg.Billing.StripeWebhookSecret,
			Logger:      logger,
		}
		if tel.webhooks != nil {
			webhookDeps.Recorder = tel.webhooks
		}
		webhookHandler := handlers.NewStripeWebhookHandler(webhookDeps)
		srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
		srv.ShutdownHooks = append(srv.ShutdownHooks, webhookHandler.Close)
	} else {
		logger.Info("STRIPE_WEBHOOK_SECRET not set; stripe webhook route disabled")
	}

	if !cfg.Security.ServiceAPIKey.IsSet() {
		logger.Warn("SERVICE_API_KEY not set; API routes accept anonymous callers")
	}

	srv.MountRoutes()
	return srv, nil
}

// telemetry is the metrics backend selected by METRICS_BACKEND.
type telemetry struct {
	observers       validation.MultiObserver
	collector       core.MetricsCollector
	handler         http.Handler
	webhooks        *metrics.Prometheus
	onBreakerChange func(name string, from, to gobreaker.State)
	shutdown        func(ctx context.Context) error
}

func newTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry, error) {
	tel := &telemetry{shutdown: func(context.Context) error { return nil }}

	switch cfg.Observability.MetricsBackend {
	case config.MetricsBackendPrometheus:
		prom := metrics.NewPrometheus()
		tel.observers = append(tel.observers, prom)
		tel.collector = prom
		tel.handler = prom.Handler()
		tel.webhooks = prom
		tel.onBreakerChange = prom.BreakerStateChanged

	case config.MetricsBackendCloudWatch:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})

		cw := metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger)
		tel.observers = append(tel.observers, cw)
		tel.collector = cw

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			cw.Run(runCtx, cfg.Observability.FlushInterval)
		}()
		tel.shutdown = func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

	case config.MetricsBackendNone:
		logger.Info("metrics disabled")
	}

	return tel, nil
}

// newSecretProvider selects where _SSM_PARAM pointers resolve. SECRETS_PROVIDER=env
// treats each pointer as the name of another environment variable; anything
// else uses SSM, whose client is created lazily so local runs never touch AWS.
func newSecretProvider() config.SecretProvider {
	if os.Getenv("SECRETS_PROVIDER") == "env" {
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves the router through a Lambda function URL. lambdaurl.Start
// blocks for the life of the execution environment.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("starting in lambda mode")
	lambdaurl.Start(srv.Handler())
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
