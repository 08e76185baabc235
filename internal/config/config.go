// Package config defines the process configuration for the courier binaries.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format aborts startup.
package config

import (
	"time"

	"courier/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by the api, worker and
// dlq-archiver binaries. Sub-components receive only the subsets they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"courier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	RabbitMQ      RabbitMQConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Breaker       BreakerConfig
	Retry         RetryConfig
	Idempotency   IdempotencyConfig
	Status        StatusConfig
	Consumer      ConsumerConfig
	Collaborators CollaboratorConfig
	Email         EmailConfig
	Push          PushConfig
	SMS           SMSConfig
	Webhook       WebhookConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	URL SecretString `envconfig:"RABBITMQ_URL" validate:"required"`
	// NotificationTypes selects which per-type queues are declared and consumed.
	NotificationTypes []string      `envconfig:"NOTIFICATION_TYPES" default:"email,push,sms" validate:"min=1,dive,oneof=email push sms"`
	PublishTimeout    time.Duration `envconfig:"RABBITMQ_PUBLISH_TIMEOUT" default:"5s"`
	ConfirmPublishes  bool          `envconfig:"RABBITMQ_CONFIRM_PUBLISHES" default:"true"`
}

// RedisConfig holds the Redis connection used by the idempotency store, the
// status tracker and the user cache.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL" validate:"required"`
}

// DatabaseConfig holds the Postgres connection for the dead-letter archive.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds regional settings for SES, SSM and CloudWatch.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BreakerConfig tunes every circuit breaker in the process.
type BreakerConfig struct {
	FailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"60s" validate:"min=1ms"`
}

// RetryConfig tunes the retry scheduler.
type RetryConfig struct {
	MaxRetries int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	BaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s" validate:"min=1ms"`
	MaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"300s" validate:"gtefield=BaseDelay"`
}

// IdempotencyConfig tunes the intake idempotency store.
type IdempotencyConfig struct {
	TTL          time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	AwaitTimeout time.Duration `envconfig:"IDEMPOTENCY_AWAIT_TIMEOUT" default:"10s"`
	ClaimTTL     time.Duration `envconfig:"IDEMPOTENCY_CLAIM_TTL" default:"30s"`
}

// StatusConfig tunes the status tracker.
type StatusConfig struct {
	TTL time.Duration `envconfig:"STATUS_TTL" default:"168h"`
}

// ConsumerConfig tunes the queue consumers.
type ConsumerConfig struct {
	Prefetch int `envconfig:"CONSUMER_PREFETCH" default:"16" validate:"min=1"`
	Workers  int `envconfig:"CONSUMER_WORKERS" default:"8" validate:"min=1"`
}

// CollaboratorConfig points at the user and template services.
type CollaboratorConfig struct {
	UserServiceURL     string        `envconfig:"USER_SERVICE_URL" default:"http://localhost:8001" validate:"url"`
	TemplateServiceURL string        `envconfig:"TEMPLATE_SERVICE_URL" default:"http://localhost:8002" validate:"url"`
	UserCacheTTL       time.Duration `envconfig:"USER_CACHE_TTL" default:"1h"`
	Timeout            time.Duration `envconfig:"COLLABORATOR_TIMEOUT" default:"10s"`
}

// EmailConfig holds email provider credentials. A provider without
// credentials is reported as unconfigured and skipped.
type EmailConfig struct {
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@courier.local"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Courier"`

	SMTPHost     string       `envconfig:"SMTP_HOST"`
	SMTPPort     int          `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string       `envconfig:"SMTP_USER"`
	SMTPPassword SecretString `envconfig:"SMTP_PASSWORD"`

	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`

	MailgunAPIKey  SecretString `envconfig:"MAILGUN_API_KEY"`
	MailgunDomain  string       `envconfig:"MAILGUN_DOMAIN"`
	MailgunBaseURL string       `envconfig:"MAILGUN_BASE_URL"`

	SESEnabled bool `envconfig:"SES_ENABLED" default:"false"`

	// SESConfigurationSet routes SES events to the SNS topic behind the SES
	// feedback webhook.
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`
}

// PushConfig holds Firebase Cloud Messaging settings.
type PushConfig struct {
	FCMProjectID   string       `envconfig:"FCM_PROJECT_ID"`
	FCMAccessToken SecretString `envconfig:"FCM_ACCESS_TOKEN"`
}

// SMSConfig holds Twilio settings.
type SMSConfig struct {
	TwilioAccountSID string       `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  SecretString `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string       `envconfig:"TWILIO_FROM_NUMBER"`
}

// WebhookConfig holds settings for inbound provider event webhooks.
type WebhookConfig struct {
	// SendGridVerificationKey is the base64 DER public key used to verify the
	// Signed Event Webhook. Verification is skipped when empty.
	SendGridVerificationKey string `envconfig:"SENDGRID_WEBHOOK_VERIFICATION_KEY"`

	// MailgunSigningKey is the HTTP webhook signing key from the Mailgun
	// dashboard. Verification is skipped when empty.
	MailgunSigningKey SecretString `envconfig:"MAILGUN_WEBHOOK_SIGNING_KEY"`

	// SESTopicARN pins the SNS topic accepted by the SES feedback webhook.
	// Any topic is accepted when empty.
	SESTopicARN string `envconfig:"SES_FEEDBACK_TOPIC_ARN"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Courier"`
	// OTLPEndpoint enables trace export when set (host:port, gRPC).
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// NotificationTypes returns the configured types as typed values.
func (c *Config) NotificationTypes() []types.NotificationType {
	out := make([]types.NotificationType, 0, len(c.RabbitMQ.NotificationTypes))
	for _, t := range c.RabbitMQ.NotificationTypes {
		out = append(out, types.NotificationType(t))
	}
	return out
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
