package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"courier/internal/types"
)

// SNS message types delivered to the SES feedback webhook.
const (
	SNSTypeNotification     = "Notification"
	SNSTypeSubscriptionConf = "SubscriptionConfirmation"
	SNSTypeUnsubscribeConf  = "UnsubscribeConfirmation"
)

// SNSEnvelope is the top-level SNS HTTP(S) message.
type SNSEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Timestamp    string `json:"Timestamp"`
}

// sesEvent covers both SES event publishing (eventType) and identity
// notifications (notificationType).
type sesEvent struct {
	EventType        string        `json:"eventType"`
	NotificationType string        `json:"notificationType"`
	Bounce           *sesBounce    `json:"bounce,omitempty"`
	Complaint        *sesComplaint `json:"complaint,omitempty"`
	Delivery         *sesDelivery  `json:"delivery,omitempty"`
	Mail             sesMail       `json:"mail"`
}

type sesBounce struct {
	BounceType        string `json:"bounceType"`
	BounceSubType     string `json:"bounceSubType"`
	BouncedRecipients []struct {
		EmailAddress   string `json:"emailAddress"`
		Status         string `json:"status"`
		DiagnosticCode string `json:"diagnosticCode"`
	} `json:"bouncedRecipients"`
	Timestamp string `json:"timestamp"`
}

type sesComplaint struct {
	ComplainedRecipients []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"complainedRecipients"`
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
	Timestamp             string `json:"timestamp"`
}

type sesDelivery struct {
	Timestamp  string   `json:"timestamp"`
	Recipients []string `json:"recipients"`
}

type sesMail struct {
	MessageID string              `json:"messageId"`
	Tags      map[string][]string `json:"tags"`
}

// FeedbackKind classifies an SES feedback event.
type FeedbackKind string

const (
	FeedbackDelivered FeedbackKind = "delivered"
	FeedbackBounced   FeedbackKind = "bounced"
	FeedbackComplaint FeedbackKind = "complaint"
)

// FeedbackEvent is an SES event reduced to what the status tracker needs.
// NotificationID comes from the notification_id message tag set at send time.
type FeedbackEvent struct {
	Kind              FeedbackKind
	NotificationID    string
	ProviderMessageID string
	Reason            string
	Recipients        []string
	Timestamp         time.Time
}

// ParseSNSEnvelope decodes an SNS HTTP message body.
func ParseSNSEnvelope(body []byte) (SNSEnvelope, error) {
	var env SNSEnvelope
	if len(body) == 0 {
		return env, fmt.Errorf("sns: empty body")
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("sns: failed to parse envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("sns: envelope has no Type")
	}
	return env, nil
}

// ParseSESFeedback converts the Message of an SNS notification into a
// FeedbackEvent. Transient bounces (SES retries those itself) and event types
// other than Bounce, Complaint and Delivery yield nil.
func ParseSESFeedback(message string) (*FeedbackEvent, error) {
	if message == "" {
		return nil, fmt.Errorf("ses feedback: SNS Message field is empty")
	}
	var ev sesEvent
	if err := json.Unmarshal([]byte(message), &ev); err != nil {
		return nil, fmt.Errorf("ses feedback: failed to parse SES event: %w", err)
	}

	out := &FeedbackEvent{ProviderMessageID: ev.Mail.MessageID}
	if ids := ev.Mail.Tags["notification_id"]; len(ids) > 0 {
		out.NotificationID = ids[0]
	}

	kind := ev.EventType
	if kind == "" {
		kind = ev.NotificationType
	}

	switch kind {
	case "Bounce":
		if ev.Bounce == nil {
			return nil, fmt.Errorf("ses feedback: bounce event missing bounce details")
		}
		if ev.Bounce.BounceType != "Permanent" {
			return nil, nil
		}
		out.Kind = FeedbackBounced
		out.Timestamp = parseSESTimestamp(ev.Bounce.Timestamp)
		for _, r := range ev.Bounce.BouncedRecipients {
			out.Recipients = append(out.Recipients, r.EmailAddress)
			if out.Reason == "" {
				out.Reason = r.DiagnosticCode
			}
		}
		if out.Reason == "" {
			out.Reason = "bounce: " + ev.Bounce.BounceSubType
		}
	case "Complaint":
		if ev.Complaint == nil {
			return nil, fmt.Errorf("ses feedback: complaint event missing complaint details")
		}
		out.Kind = FeedbackComplaint
		out.Timestamp = parseSESTimestamp(ev.Complaint.Timestamp)
		out.Reason = ev.Complaint.ComplaintFeedbackType
		if out.Reason == "" {
			out.Reason = "complaint"
		}
		for _, r := range ev.Complaint.ComplainedRecipients {
			out.Recipients = append(out.Recipients, r.EmailAddress)
		}
	case "Delivery":
		out.Kind = FeedbackDelivered
		if ev.Delivery != nil {
			out.Timestamp = parseSESTimestamp(ev.Delivery.Timestamp)
			out.Recipients = ev.Delivery.Recipients
		}
	default:
		return nil, nil
	}
	return out, nil
}

// parseSESTimestamp accepts RFC3339 with or without fractional seconds and
// falls back to now.
func parseSESTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// snsHost matches the regional SNS endpoints that issue SubscribeURLs.
var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// ValidSubscribeURL reports whether raw is an https URL on an SNS endpoint.
func ValidSubscribeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && snsHost.MatchString(u.Hostname())
}

// SNSConfirmer confirms SNS subscriptions by visiting the SubscribeURL.
type SNSConfirmer struct {
	Client *http.Client
}

// Confirm fetches subscribeURL. The caller validates it first.
func (c *SNSConfirmer) Confirm(ctx context.Context, subscribeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "invalid subscribe url", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "sns subscription confirmation failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("sns subscription confirmation returned %d", resp.StatusCode), nil)
	}
	return nil
}

// RedactEmail masks an address for logging: "john@gmail.com" becomes
// "j***@gmail.com". Input without "@" is fully masked.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
