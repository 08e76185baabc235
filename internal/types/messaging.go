package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the envelope version written by this build. Consumers
// reject envelopes with any other version.
const CurrentSchemaVersion = 1

// TemplateSnapshot is the template content captured at intake time. Workers fall
// back to it when the template service cannot render.
type TemplateSnapshot struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	Version int    `json:"version,omitempty"`
}

// DeliveryTarget is the resolved address for a notification. Exactly the field
// matching the notification type is expected to be set.
type DeliveryTarget struct {
	Email     string `json:"email,omitempty"`
	PushToken string `json:"push_token,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Address returns the target address for t.
func (d DeliveryTarget) Address(t NotificationType) string {
	switch t {
	case NotificationEmail:
		return d.Email
	case NotificationPush:
		return d.PushToken
	case NotificationSMS:
		return d.Phone
	}
	return ""
}

// QueueMessage is the payload carried on the broker between intake and the
// delivery workers. JSON tags are snake_case and part of the wire contract.
// A published message is never mutated; retries publish a copy produced by
// NextAttempt.
type QueueMessage struct {
	SchemaVersion int `json:"schema_version"`

	// Identity
	NotificationID string `json:"notification_id"`
	RequestID      string `json:"request_id"`
	CorrelationID  string `json:"correlation_id"`

	// Routing
	Type         NotificationType `json:"notification_type"`
	UserID       string           `json:"user_id"`
	TemplateCode string           `json:"template_code"`
	Priority     int              `json:"priority"`
	Language     string           `json:"language,omitempty"`

	// Content
	Template  *TemplateSnapshot `json:"template,omitempty"`
	Delivery  DeliveryTarget    `json:"delivery"`
	Variables map[string]any    `json:"variables,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`

	// Attempt state
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// NextAttempt returns a copy of m for the next delivery attempt with the retry
// count incremented once and the failure cause recorded.
func (m QueueMessage) NextAttempt(cause error) QueueMessage {
	next := m
	next.RetryCount = m.RetryCount + 1
	if cause != nil {
		next.LastError = cause.Error()
	}
	return next
}

// Validate checks the invariants every consumer relies on.
func (m QueueMessage) Validate() error {
	if m.SchemaVersion != CurrentSchemaVersion {
		return NewAppErrorWithDetails(ErrCodeValidationSchemaVersion,
			fmt.Sprintf("unsupported schema version %d", m.SchemaVersion), nil,
			map[string]any{"schema_version": m.SchemaVersion})
	}
	switch {
	case m.NotificationID == "":
		return NewAppError(ErrCodeValidationInvalidEnvelope, "notification_id is required", nil)
	case m.CorrelationID == "":
		return NewAppError(ErrCodeValidationInvalidEnvelope, "correlation_id is required", nil)
	case !m.Type.Valid():
		return NewAppError(ErrCodeValidationInvalidType, fmt.Sprintf("unknown notification type %q", m.Type), nil)
	case m.RetryCount < 0:
		return NewAppError(ErrCodeValidationInvalidEnvelope, "retry_count must not be negative", nil)
	}
	return nil
}

// DecodeQueueMessage parses and validates a broker payload.
func DecodeQueueMessage(body []byte) (QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return QueueMessage{}, NewAppError(ErrCodeValidationInvalidEnvelope, "malformed message body", err)
	}
	if err := m.Validate(); err != nil {
		return QueueMessage{}, err
	}
	return m, nil
}

// DeadLetter is the record published to failed.queue when a message exhausts
// its retries or fails permanently.
type DeadLetter struct {
	Message  json.RawMessage `json:"message"`
	Error    string          `json:"error"`
	Reason   string          `json:"reason,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// Dead-letter reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanent        = "permanent_failure"
	ReasonUndecodable      = "undecodable"
)

// NewDeadLetter builds a DeadLetter around msg.
func NewDeadLetter(msg QueueMessage, cause error, reason string, at time.Time) (DeadLetter, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("marshal dead letter message: %w", err)
	}
	dl := DeadLetter{Message: raw, Reason: reason, FailedAt: at}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl, nil
}

// ID derives a stable identifier for the dead letter from the message it
// carries: notification id, retry count and reason when the message decodes,
// otherwise a digest of the raw message. Republishing the same failure yields
// the same ID.
func (dl DeadLetter) ID() string {
	var msg struct {
		NotificationID string `json:"notification_id"`
		RetryCount     int    `json:"retry_count"`
	}
	if json.Unmarshal(dl.Message, &msg) == nil && msg.NotificationID != "" {
		return fmt.Sprintf("%s:%d:%s", msg.NotificationID, msg.RetryCount, dl.Reason)
	}
	sum := sha256.Sum256(dl.Message)
	return "raw:" + hex.EncodeToString(sum[:16])
}

// FailedPublish is the fallback envelope written to failed.queue when a publish
// to OriginalQueue fails. It carries every field of the original message.
type FailedPublish struct {
	QueueMessage
	Error         string `json:"error"`
	OriginalQueue string `json:"original_queue"`
}
