package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"courier/internal/delivery"
	"courier/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL.
// Overridable in tests via SendGridConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig holds the configuration for creating a SendGridProvider.
type SendGridConfig struct {
	APIKey   string
	BaseURL  string // Override for testing; defaults to sendGridAPIBase
	FromAddr string
	FromName string
	Logger   types.Logger
}

// SendGridProvider delivers email through the SendGrid v3 Mail Send API.
// Content is rendered by the pipeline and sent inline.
type SendGridProvider struct {
	base     *BaseClient
	apiKey   string
	baseURL  string
	fromAddr string
	fromName string
	logger   types.Logger
}

// NewSendGridProvider creates a SendGridProvider. The BaseClient should use
// NoRetries; redelivery belongs to the retry scheduler.
func NewSendGridProvider(base *BaseClient, cfg SendGridConfig) *SendGridProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SendGridProvider{
		base:     base,
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fromAddr: cfg.FromAddr,
		fromName: cfg.FromName,
		logger:   logger,
	}
}

func (s *SendGridProvider) Name() string     { return "sendgrid" }
func (s *SendGridProvider) Configured() bool { return s.apiKey != "" }

// Send transmits one email and returns the X-Message-Id header.
//
// Error mapping:
//   - 403 Forbidden -> types.ErrCodeEmailBlocked (permanent)
//   - 400 with a recipient error -> types.ErrCodeRecipientRejected (permanent)
//   - 429 / 5xx / transport -> handled by BaseClient (transient)
//   - Other 4xx -> types.ErrCodeUpstreamEmailProvider
func (s *SendGridProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	payload := s.buildMailPayload(msg, content)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid mail send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.handleErrorResponse(resp)
}

// ---------------------------------------------------------------------------
// Payload Construction
// ---------------------------------------------------------------------------

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	// custom_args come back on every event webhook for status correlation.
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGridProvider) buildMailPayload(msg types.QueueMessage, content types.RenderedContent) sendGridMailPayload {
	parts := []sendGridContent{{Type: "text/plain", Value: content.Body}}
	if content.HTML != "" {
		parts = append(parts, sendGridContent{Type: "text/html", Value: content.HTML})
	}
	return sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: msg.Delivery.Email, Name: msg.Delivery.Name}},
		}},
		From:    sendGridAddress{Email: s.fromAddr, Name: s.fromName},
		Subject: content.Subject,
		Content: parts,
		CustomArgs: map[string]string{
			"notification_id": msg.NotificationID,
			"correlation_id":  msg.CorrelationID,
		},
	}
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type sendGridErrorResponse struct {
	Errors []sendGridErrorDetail `json:"errors"`
}

type sendGridErrorDetail struct {
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (s *SendGridProvider) handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid returned status %d and response body was unreadable", resp.StatusCode), err)
	}

	var sgErr sendGridErrorResponse
	detail := sendGridErrorDetail{Message: strings.TrimSpace(string(body))}
	if json.Unmarshal(body, &sgErr) == nil && len(sgErr.Errors) > 0 {
		detail = sgErr.Errors[0]
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("SendGrid blocked delivery: %s", detail.Message), nil)
	case resp.StatusCode == http.StatusBadRequest && strings.HasPrefix(detail.Field, "personalizations"):
		return types.NewAppError(types.ErrCodeRecipientRejected,
			fmt.Sprintf("SendGrid rejected recipient: %s", detail.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, detail.Message), nil)
	}
}

var _ delivery.Provider = (*SendGridProvider)(nil)
