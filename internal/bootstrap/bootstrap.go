// Package bootstrap builds the infrastructure shared by the courier binaries:
// configuration, logging, Redis, AWS, metrics, breakers and tracing.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"courier/internal/breaker"
	"courier/internal/config"
	"courier/internal/metrics"
	"courier/internal/tracing"
	"courier/internal/types"
)

// LoadConfig loads configuration, resolving SSM pointers outside local
// environments.
func LoadConfig() (*config.Config, error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region)
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// NewLogger creates a JSON slog.Logger on stdout for the given level.
func NewLogger(level string) *slog.Logger {
	return newLoggerTo(os.Stdout, level)
}

func newLoggerTo(w io.Writer, level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// NewRedis parses the configured URL and pings the server.
func NewRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// AWSConfig loads the default AWS config for the configured region. A custom
// endpoint (LocalStack) overrides every service endpoint.
func AWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// Telemetry is the metrics backend selected by configuration.
type Telemetry struct {
	Recorder metrics.Recorder
	// Handler serves /metrics for the Prometheus backend and is nil otherwise.
	Handler http.Handler
}

// NewTelemetry builds the configured metrics backend. awsCfg is only read for
// the CloudWatch backend.
func NewTelemetry(cfg *config.Config, awsCfg aws.Config, logger types.Logger) Telemetry {
	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		p := metrics.NewPrometheus(prometheus.NewRegistry())
		return Telemetry{Recorder: p, Handler: p.Handler()}
	case "cloudwatch":
		client := cloudwatch.NewFromConfig(awsCfg)
		return Telemetry{Recorder: metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger)}
	default:
		return Telemetry{Recorder: metrics.Noop{}}
	}
}

// Breakers returns the factory every breaker in the process is built from.
func Breakers(cfg *config.Config, logger types.Logger, rec metrics.Recorder) breaker.Factory {
	return breaker.Factory{
		Settings: breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		},
		Logger:    logger,
		Observers: []breaker.StateObserver{rec},
	}
}

// Tracing installs the tracer provider for binary.
func Tracing(ctx context.Context, cfg *config.Config, binary string, logger types.Logger) (func(context.Context) error, error) {
	return tracing.Setup(ctx, tracing.Config{
		ServiceName:    cfg.Service + "-" + binary,
		ServiceVersion: cfg.Build.Version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	}, logger)
}

// NeedsAWS reports whether any configured component talks to AWS.
func NeedsAWS(cfg *config.Config) bool {
	return cfg.Observability.MetricsBackend == "cloudwatch" || cfg.Email.SESEnabled
}
