// Package main is the entry point for the courier API server.
//
// It loads configuration, connects to Redis, RabbitMQ and (optionally)
// Postgres, wires the intake service, status tracker and dead-letter archive
// into the HTTP chassis, and serves until SIGINT or SIGTERM.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"

	"courier/internal/api/handlers"
	"courier/internal/bootstrap"
	"courier/internal/config"
	"courier/internal/core"
	"courier/internal/db"
	"courier/internal/external"
	"courier/internal/idempotency"
	"courier/internal/intake"
	"courier/internal/queue"
	"courier/internal/security"
	"courier/internal/status"
	"courier/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// apiDeps are the domain services behind the HTTP routes.
type apiDeps struct {
	Notifications   handlers.NotificationService
	Tracker         handlers.StatusUpdater
	Verifier        external.EventVerifier
	MailgunVerifier external.EventVerifier
	Confirmer       handlers.SubscriptionConfirmer
	// DeadLetters is nil when no archive database is configured.
	DeadLetters handlers.DeadLetterReader
	Probes      []core.HealthProbe
	Metrics     core.MetricsCollector
	MetricsPage http.Handler
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger := bootstrap.NewLogger(cfg.LogLevel)
	appLogger := types.NewSlogAdapter(logger)
	logger.Info("courier API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	var shutdownHooks []func(context.Context) error

	stopTracing, err := bootstrap.Tracing(ctx, cfg, "api", appLogger)
	if err != nil {
		return err
	}
	shutdownHooks = append(shutdownHooks, stopTracing)

	var awsCfg aws.Config
	if bootstrap.NeedsAWS(cfg) {
		if awsCfg, err = bootstrap.AWSConfig(ctx, cfg); err != nil {
			return err
		}
	}
	telemetry := bootstrap.NewTelemetry(cfg, awsCfg, appLogger)
	breakers := bootstrap.Breakers(cfg, appLogger, telemetry.Recorder)

	rdb, err := bootstrap.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	shutdownHooks = append(shutdownHooks, func(context.Context) error { return rdb.Close() })

	conn, err := queue.Dial(cfg.RabbitMQ.URL.Unmask(), appLogger)
	if err != nil {
		return err
	}
	shutdownHooks = append(shutdownHooks, func(context.Context) error { return conn.Close() })

	ch, err := queue.OpenPublishChannel(conn, cfg.RabbitMQ.ConfirmPublishes)
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(ch, cfg.NotificationTypes()); err != nil {
		return err
	}

	publisher := queue.NewPublisher(ch, breakers.New("publisher"), appLogger,
		queue.WithMetrics(telemetry.Recorder),
		queue.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
	)

	var registryOpts []external.RegistryOption
	if cfg.Email.SESEnabled {
		registryOpts = append(registryOpts, external.WithAWSConfig(awsCfg))
	}
	registry := external.NewRegistry(cfg, rdb, breakers, appLogger, registryOpts...)

	tracker := status.NewRedisTracker(rdb, cfg.Status.TTL, types.RealClock{})
	service := intake.NewService(intake.Config{
		Idempotency: idempotency.NewRedisStore(rdb, cfg.Idempotency.TTL,
			idempotency.WithClaimTTL(cfg.Idempotency.ClaimTTL),
		),
		Users:        registry.Users,
		Templates:    registry.Templates,
		Publisher:    publisher,
		Tracker:      tracker,
		Logger:       appLogger,
		Metrics:      telemetry.Recorder,
		Clock:        types.RealClock{},
		AwaitTimeout: cfg.Idempotency.AwaitTimeout,
		NewID:        uuid.NewString,
	})

	deps := apiDeps{
		Notifications:   service,
		Tracker:         tracker,
		Verifier:        registry.Verifier,
		MailgunVerifier: registry.MailgunVerifier,
		Confirmer:       &external.SNSConfirmer{Client: security.NewSafeHTTPClient(10*time.Second, 3)},
		Metrics:         telemetry.Recorder,
		MetricsPage:     telemetry.Handler,
		Probes: []core.HealthProbe{
			core.NewProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
			conn,
		},
	}

	if dsn := cfg.Database.URL.Unmask(); dsn != "" {
		pool, err := db.NewPool(ctx, dsn, db.PoolConfig{
			MaxConns:        int32(cfg.Database.MaxConns),
			ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		shutdownHooks = append(shutdownHooks, func(context.Context) error { pool.Close(); return nil })
		deps.DeadLetters = db.NewDeadLetterRepository(pool)
		deps.Probes = append(deps.Probes, core.NewProbe("postgres", pool.Ping))
	} else {
		logger.Warn("DATABASE_URL not set; dead-letter archive routes disabled")
	}

	srv, err := buildServer(cfg, logger, deps)
	if err != nil {
		return err
	}
	srv.OnShutdown = shutdownHooks

	return runHTTPServer(srv, cfg, logger)
}

// buildServer mounts the routes for deps onto a new core.Server.
func buildServer(cfg *config.Config, logger *slog.Logger, deps apiDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = deps.Metrics
	srv.MetricsHandler = deps.MetricsPage
	srv.HealthProbes = deps.Probes

	notifications := handlers.NewNotificationHandler(deps.Notifications, srv.Validator, logger)
	webhooks := handlers.NewWebhookHandler(deps.Tracker, deps.Verifier, cfg.Webhook.SendGridVerificationKey, logger)
	mailgun := handlers.NewMailgunWebhookHandler(deps.Tracker, deps.MailgunVerifier, cfg.Webhook.MailgunSigningKey.Unmask(), logger)
	sesFeedback := handlers.NewSESFeedbackHandler(deps.Tracker, deps.Confirmer, cfg.Webhook.SESTopicARN, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		notifications.RegisterRoutes,
		webhooks.RegisterRoutes,
		mailgun.RegisterRoutes,
		sesFeedback.RegisterRoutes,
	)

	if deps.DeadLetters != nil {
		deadLetters := handlers.NewDeadLetterHandler(deps.DeadLetters, logger)
		srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, deadLetters.RegisterRoutes)
	}

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

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

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closes tracing, Redis, RabbitMQ and the database pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
