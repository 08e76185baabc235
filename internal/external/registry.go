package external

import (
	"net/http"
	"time"

	"courier/internal/breaker"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Client Registry
//
// Central factory for every third-party client. In test/local mode the
// delivery providers and the webhook verifier are stubs so the binaries boot
// without credentials; the collaborator clients are always real.
// ---------------------------------------------------------------------------

// Provider order per notification type. The executor tries them in this
// order and skips any that are not configured.
var providerOrder = map[types.NotificationType][]string{
	types.NotificationEmail: {"smtp", "sendgrid", "mailgun", "ses"},
	types.NotificationPush:  {"fcm"},
	types.NotificationSMS:   {"twilio"},
}

const userAgent = "Courier/1.0"

// Registry holds the clients shared by the api and worker binaries.
type Registry struct {
	Users     UserLookup
	Templates TemplateLookup
	Providers map[types.NotificationType][]delivery.Provider

	// Verifier checks SendGrid event batches, MailgunVerifier Mailgun events.
	Verifier        EventVerifier
	MailgunVerifier EventVerifier
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	awsConfig  *aws.Config
	httpClient *http.Client
}

// WithAWSConfig supplies the AWS config used by the SES provider. SES stays
// unconfigured without it.
func WithAWSConfig(cfg aws.Config) RegistryOption {
	return func(rc *registryConfig) { rc.awsConfig = &cfg }
}

// WithHTTPClient overrides the HTTP client shared by collaborators and
// providers.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(rc *registryConfig) { rc.httpClient = c }
}

// NewRegistry builds every client from cfg. cache backs the user and template
// caches and may be nil. Collaborators get their own breakers from breakers;
// provider breakers belong to the delivery executors.
func NewRegistry(cfg *config.Config, cache redis.Cmdable, breakers breaker.Factory, logger types.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = types.NopLogger{}
	}
	rc := &registryConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	timeout := cfg.Collaborators.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := rc.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	reg := &Registry{
		Users: NewUserClient(
			NewBaseClient(httpClient, DefaultRetryPolicy(), userAgent,
				WithBreaker(breakers.New("user-service")),
				WithUnavailableCode(types.ErrCodeUpstreamUserService)),
			UserClientConfig{
				BaseURL:  cfg.Collaborators.UserServiceURL,
				Cache:    cache,
				CacheTTL: cfg.Collaborators.UserCacheTTL,
				Logger:   logger.With("client", "user-service"),
			}),
		Templates: NewTemplateClient(
			NewBaseClient(httpClient, DefaultRetryPolicy(), userAgent,
				WithBreaker(breakers.New("template-service")),
				WithUnavailableCode(types.ErrCodeUpstreamTemplateService)),
			TemplateClientConfig{
				BaseURL: cfg.Collaborators.TemplateServiceURL,
				Cache:   cache,
				Logger:  logger.With("client", "template-service"),
			}),
	}

	if cfg.IsTestMode || cfg.Environment == "local" {
		logger.Info("initializing delivery providers in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		stubLogger := logger.With("mode", "stub")
		reg.Providers = make(map[types.NotificationType][]delivery.Provider, len(providerOrder))
		for t := range providerOrder {
			reg.Providers[t] = []delivery.Provider{NewStubProvider("stub-"+string(t), stubLogger)}
		}
		reg.Verifier = NewStubEventVerifier(stubLogger)
		reg.MailgunVerifier = reg.Verifier
		return reg
	}

	logger.Info("initializing delivery providers", "environment", cfg.Environment)
	reg.Providers = buildProviders(cfg, httpClient, rc)
	reg.Verifier = NewSendGridVerifier(DefaultWebhookMaxAge)
	reg.MailgunVerifier = NewMailgunVerifier(DefaultWebhookMaxAge)
	for t, ps := range reg.Providers {
		for _, p := range ps {
			if !p.Configured() {
				logger.Warn("delivery provider not configured", "notification_type", t, "provider", p.Name())
			}
		}
	}
	return reg
}

func buildProviders(cfg *config.Config, httpClient *http.Client, rc *registryConfig) map[types.NotificationType][]delivery.Provider {
	providerBase := func(code types.ErrorCode) *BaseClient {
		return NewBaseClient(httpClient, NoRetries(), userAgent, WithUnavailableCode(code))
	}

	ses := NewSESProviderWithAPI(nil, SESConfig{})
	if rc.awsConfig != nil {
		ses = NewSESProvider(*rc.awsConfig, SESConfig{
			Enabled:       cfg.Email.SESEnabled,
			FromAddr:      cfg.Email.FromAddress,
			FromName:      cfg.Email.FromName,
			ConfigSetName: cfg.Email.SESConfigurationSet,
		})
	}

	byName := map[string]delivery.Provider{
		"smtp": NewSMTPProvider(SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUser,
			Password: cfg.Email.SMTPPassword.Unmask(),
			FromAddr: cfg.Email.FromAddress,
			FromName: cfg.Email.FromName,
		}),
		"sendgrid": NewSendGridProvider(providerBase(types.ErrCodeUpstreamEmailProvider), SendGridConfig{
			APIKey:   cfg.Email.SendGridAPIKey.Unmask(),
			FromAddr: cfg.Email.FromAddress,
			FromName: cfg.Email.FromName,
		}),
		"mailgun": NewMailgunProvider(providerBase(types.ErrCodeUpstreamEmailProvider), MailgunConfig{
			APIKey:   cfg.Email.MailgunAPIKey.Unmask(),
			Domain:   cfg.Email.MailgunDomain,
			BaseURL:  cfg.Email.MailgunBaseURL,
			FromAddr: cfg.Email.FromAddress,
			FromName: cfg.Email.FromName,
		}),
		"ses": ses,
		"fcm": NewFCMProvider(providerBase(types.ErrCodeUpstreamPushProvider), FCMConfig{
			ProjectID:   cfg.Push.FCMProjectID,
			AccessToken: cfg.Push.FCMAccessToken.Unmask(),
		}),
		"twilio": NewTwilioProvider(TwilioConfig{
			AccountSID: cfg.SMS.TwilioAccountSID,
			AuthToken:  cfg.SMS.TwilioAuthToken.Unmask(),
			FromNumber: cfg.SMS.TwilioFromNumber,
		}),
	}

	out := make(map[types.NotificationType][]delivery.Provider, len(providerOrder))
	for t, names := range providerOrder {
		for _, n := range names {
			out[t] = append(out[t], byName[n])
		}
	}
	return out
}

// Executors builds one delivery executor per type in ts.
func (r *Registry) Executors(ts []types.NotificationType, breakers breaker.Factory, logger types.Logger, opts ...delivery.Option) map[types.NotificationType]*delivery.Executor {
	out := make(map[types.NotificationType]*delivery.Executor, len(ts))
	for _, t := range ts {
		out[t] = delivery.NewExecutor(t, r.Providers[t], breakers, logger, opts...)
	}
	return out
}
