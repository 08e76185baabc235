package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"courier/internal/delivery"
	"courier/internal/types"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioMessageAPI is the subset of the Twilio REST client used by
// TwilioProvider.
type TwilioMessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioConfig holds the configuration for creating a TwilioProvider.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioProvider delivers SMS through the Twilio Messages API.
type TwilioProvider struct {
	api  TwilioMessageAPI
	from string
}

// NewTwilioProvider creates a TwilioProvider with a real REST client.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	var api TwilioMessageAPI
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.Api
	}
	return NewTwilioProviderWithAPI(api, cfg.FromNumber)
}

// NewTwilioProviderWithAPI creates a TwilioProvider around api.
func NewTwilioProviderWithAPI(api TwilioMessageAPI, from string) *TwilioProvider {
	return &TwilioProvider{api: api, from: from}
}

func (t *TwilioProvider) Name() string     { return "twilio" }
func (t *TwilioProvider) Configured() bool { return t.api != nil && t.from != "" }

// Send creates one message and returns its SID. The Twilio client has no
// context support, so cancellation abandons the call rather than aborting it.
func (t *TwilioProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	if msg.Delivery.Phone == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingTarget, "phone number is empty", nil)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.Delivery.Phone)
	params.SetFrom(t.from)
	params.SetBody(content.Body)

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		sid := ""
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid}
	}()

	select {
	case <-ctx.Done():
		return "", types.NewAppError(types.ErrCodeUpstreamSMSProvider, "twilio call abandoned", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", mapTwilioError(r.err)
		}
		return r.sid, nil
	}
}

// Twilio error codes that no retry can fix.
var twilioRecipientErrors = map[int]string{
	21211: "invalid 'To' phone number",
	21610: "recipient has unsubscribed",
	21614: "'To' number is not a valid mobile number",
	21408: "region not enabled for this account",
}

func mapTwilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		if reason, ok := twilioRecipientErrors[restErr.Code]; ok {
			return types.NewAppError(types.ErrCodeRecipientRejected,
				fmt.Sprintf("Twilio rejected recipient (%d): %s", restErr.Code, reason), err)
		}
		if restErr.Status == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "Twilio rate limit exceeded", err)
		}
		return types.NewAppError(types.ErrCodeUpstreamSMSProvider,
			fmt.Sprintf("Twilio error (%d): %s", restErr.Code, restErr.Message), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamSMSProvider, fmt.Sprintf("Twilio error: %v", err), err)
}

var _ delivery.Provider = (*TwilioProvider)(nil)
