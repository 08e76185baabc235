package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"courier/internal/delivery"
	"courier/internal/types"
)

// mailgunAPIBase is the default Mailgun API base URL. EU domains use
// https://api.eu.mailgun.net via MailgunConfig.BaseURL.
const mailgunAPIBase = "https://api.mailgun.net"

// MailgunConfig holds the configuration for creating a MailgunProvider.
type MailgunConfig struct {
	APIKey   string
	Domain   string
	BaseURL  string // Override for testing or the EU region
	FromAddr string // Defaults to noreply@Domain
	FromName string
	Logger   types.Logger
}

// MailgunProvider delivers email through the Mailgun Messages API.
type MailgunProvider struct {
	base     *BaseClient
	apiKey   string
	domain   string
	baseURL  string
	fromAddr string
	fromName string
	logger   types.Logger
}

// NewMailgunProvider creates a MailgunProvider. The BaseClient should use
// NoRetries.
func NewMailgunProvider(base *BaseClient, cfg MailgunConfig) *MailgunProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mailgunAPIBase
	}
	fromAddr := cfg.FromAddr
	if fromAddr == "" && cfg.Domain != "" {
		fromAddr = "noreply@" + cfg.Domain
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &MailgunProvider{
		base:     base,
		apiKey:   cfg.APIKey,
		domain:   cfg.Domain,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fromAddr: fromAddr,
		fromName: cfg.FromName,
		logger:   logger,
	}
}

func (m *MailgunProvider) Name() string     { return "mailgun" }
func (m *MailgunProvider) Configured() bool { return m.apiKey != "" && m.domain != "" }

// Send posts one message and returns the Mailgun message id without its
// angle brackets, matching message.headers.message-id on webhook events.
//
// Error mapping:
//   - 403 Forbidden -> types.ErrCodeEmailBlocked (permanent)
//   - 400 naming the 'to' parameter -> types.ErrCodeRecipientRejected (permanent)
//   - 429 / 5xx / transport -> handled by BaseClient (transient)
//   - Other 4xx -> types.ErrCodeUpstreamEmailProvider
func (m *MailgunProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	form := m.buildForm(msg, content)
	endpoint := fmt.Sprintf("%s/v3/%s/messages", m.baseURL, url.PathEscape(m.domain))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Mailgun send request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", m.handleErrorResponse(resp)
	}

	var out mailgunResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		m.logger.Warn("mailgun accepted message but response was unreadable",
			"notification_id", msg.NotificationID,
			"error", err,
		)
		return "", nil
	}
	return strings.Trim(out.ID, "<>"), nil
}

type mailgunResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// buildForm sets v: variables so they come back as user-variables on every
// webhook event.
func (m *MailgunProvider) buildForm(msg types.QueueMessage, content types.RenderedContent) url.Values {
	to := (&mail.Address{Name: msg.Delivery.Name, Address: msg.Delivery.Email}).String()
	from := (&mail.Address{Name: m.fromName, Address: m.fromAddr}).String()

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", to)
	form.Set("subject", content.Subject)
	form.Set("text", content.Body)
	if content.HTML != "" {
		form.Set("html", content.HTML)
	}
	form.Set("v:notification_id", msg.NotificationID)
	if msg.CorrelationID != "" {
		form.Set("v:correlation_id", msg.CorrelationID)
	}
	return form
}

func (m *MailgunProvider) handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("Mailgun returned status %d and response body was unreadable", resp.StatusCode), err)
	}

	var mgErr mailgunResponse
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &mgErr) == nil && mgErr.Message != "" {
		detail = mgErr.Message
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("Mailgun blocked delivery: %s", detail), nil)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(detail, "'to'"):
		return types.NewAppError(types.ErrCodeRecipientRejected,
			fmt.Sprintf("Mailgun rejected recipient: %s", detail), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("Mailgun error (%d): %s", resp.StatusCode, detail), nil)
	}
}

var _ delivery.Provider = (*MailgunProvider)(nil)
