// Package main is the entry point for the courier delivery worker.
//
// For every configured notification type the worker runs two consumers: one
// on the primary queue and one on the retry queue. Both feed the same
// worker.Handler, which renders, delivers through the provider chain and
// hands failures to the retry scheduler. A small HTTP listener serves
// /health and, for the Prometheus backend, /metrics.
//
// Shutdown on SIGINT/SIGTERM: consumers stop taking new deliveries, drain
// in-flight work, then the connections are closed.
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
	"golang.org/x/sync/errgroup"

	"courier/internal/bootstrap"
	"courier/internal/config"
	"courier/internal/core"
	"courier/internal/delivery"
	"courier/internal/external"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/status"
	"courier/internal/types"
	"courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// consumerSpec names one queue subscription.
type consumerSpec struct {
	Queue string
	Role  queue.Role
}

// consumerSpecs returns the primary and retry subscription of every type.
func consumerSpecs(ts []types.NotificationType) []consumerSpec {
	specs := make([]consumerSpec, 0, 2*len(ts))
	for _, t := range ts {
		specs = append(specs,
			consumerSpec{Queue: t.PrimaryQueue(), Role: queue.RolePrimary},
			consumerSpec{Queue: t.RetryQueue(), Role: queue.RoleRetry},
		)
	}
	return specs
}

// runner is satisfied by *queue.Consumer.
type runner interface {
	Run(ctx context.Context) error
}

// runAll runs every runner until ctx is cancelled or one of them fails, in
// which case the rest are stopped.
func runAll(ctx context.Context, runners []runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

func run() error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger := bootstrap.NewLogger(cfg.LogLevel)
	appLogger := types.NewSlogAdapter(logger)
	logger.Info("courier worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"notification_types", cfg.RabbitMQ.NotificationTypes,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopTracing, err := bootstrap.Tracing(ctx, cfg, "worker", appLogger)
	if err != nil {
		return err
	}
	defer func() { _ = stopTracing(context.Background()) }()

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
	defer rdb.Close()

	conn, err := queue.Dial(cfg.RabbitMQ.URL.Unmask(), appLogger)
	if err != nil {
		return err
	}
	defer conn.Close()

	pubCh, err := queue.OpenPublishChannel(conn, cfg.RabbitMQ.ConfirmPublishes)
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(pubCh, cfg.NotificationTypes()); err != nil {
		return err
	}
	publisher := queue.NewPublisher(pubCh, breakers.New("publisher"), appLogger,
		queue.WithMetrics(telemetry.Recorder),
		queue.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
	)

	var registryOpts []external.RegistryOption
	if cfg.Email.SESEnabled {
		registryOpts = append(registryOpts, external.WithAWSConfig(awsCfg))
	}
	registry := external.NewRegistry(cfg, rdb, breakers, appLogger, registryOpts...)

	handler := worker.NewHandler(worker.HandlerConfig{
		Deliverers: worker.Executors(registry.Executors(cfg.NotificationTypes(), breakers, appLogger,
			delivery.WithMetrics(telemetry.Recorder))),
		Renderer: registry.Templates,
		Tracker:  status.NewRedisTracker(rdb, cfg.Status.TTL, types.RealClock{}),
		Scheduler: retry.NewScheduler(publisher, retryPolicy(cfg), appLogger,
			retry.WithMetrics(telemetry.Recorder)),
		Logger: appLogger,
	})

	var runners []runner
	for _, spec := range consumerSpecs(cfg.NotificationTypes()) {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", spec.Queue, err)
		}
		runners = append(runners, queue.NewConsumer(ch, consumerConfig(cfg, spec), handler.Handle, appLogger,
			queue.WithConsumerMetrics(telemetry.Recorder)))
	}

	ops, err := newOpsServer(cfg, logger, telemetry, []core.HealthProbe{
		core.NewProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		conn,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops listener failed", "error", err)
		}
	}()

	logger.Info("consumers started", "count", len(runners))
	runErr := runAll(ctx, runners)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = ops.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("consumer stopped: %w", runErr)
	}
	logger.Info("worker stopped cleanly")
	return nil
}

// consumerConfig sizes a consumer. Failed deliveries are requeued on the
// retry policy's backoff bounds.
func consumerConfig(cfg *config.Config, spec consumerSpec) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Queue:           spec.Queue,
		Role:            spec.Role,
		Prefetch:        cfg.Consumer.Prefetch,
		Workers:         cfg.Consumer.Workers,
		RequeueDelay:    cfg.Retry.BaseDelay,
		RequeueMaxDelay: cfg.Retry.MaxDelay,
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.Retry.MaxRetries
	if cfg.Retry.BaseDelay > 0 {
		p.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		p.MaxDelay = cfg.Retry.MaxDelay
	}
	return p
}

// newOpsServer builds the health and metrics listener on the configured port.
func newOpsServer(cfg *config.Config, logger *slog.Logger, telemetry bootstrap.Telemetry, probes []core.HealthProbe) (*http.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Metrics = telemetry.Recorder
	srv.MetricsHandler = telemetry.Handler
	srv.HealthProbes = probes
	srv.MountRoutes()

	return &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}
