package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"courier/internal/delivery"
	"courier/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESProvider.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the configuration for creating an SESProvider.
type SESConfig struct {
	Enabled  bool
	FromAddr string
	FromName string
	// ConfigSetName is the SES configuration set used for event publishing.
	ConfigSetName string
}

// SESProvider delivers email through AWS SES v2. Authentication comes from
// the ambient AWS credentials chain.
type SESProvider struct {
	api           SESAPI
	enabled       bool
	fromAddr      string
	fromName      string
	configSetName string
}

// NewSESProvider creates an SESProvider from an AWS config.
func NewSESProvider(awsCfg aws.Config, cfg SESConfig) *SESProvider {
	return NewSESProviderWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESProviderWithAPI creates an SESProvider around api.
func NewSESProviderWithAPI(api SESAPI, cfg SESConfig) *SESProvider {
	return &SESProvider{
		api:           api,
		enabled:       cfg.Enabled,
		fromAddr:      cfg.FromAddr,
		fromName:      cfg.FromName,
		configSetName: cfg.ConfigSetName,
	}
}

func (s *SESProvider) Name() string     { return "ses" }
func (s *SESProvider) Configured() bool { return s.enabled && s.api != nil }

// Send transmits an email using SendEmail with simple content.
//
// Error mapping:
//   - MessageRejected → ErrCodeEmailBlocked
//   - TooManyRequestsException → ErrCodeUpstreamRateLimited
//   - SendingPausedException → ErrCodeUpstreamUnavailable
//   - Other → ErrCodeUpstreamEmailProvider
func (s *SESProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	from := s.fromAddr
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.fromAddr)
	}

	body := &sestypes.Body{
		Text: &sestypes.Content{Data: aws.String(content.Body), Charset: aws.String("UTF-8")},
	}
	if content.HTML != "" {
		body.Html = &sestypes.Content{Data: aws.String(content.HTML), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{msg.Delivery.Email}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(content.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: aws.String("notification_id"), Value: aws.String(msg.NotificationID)},
		},
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account sending paused: %v", err), err)
	}

	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ delivery.Provider = (*SESProvider)(nil)
