package types

import (
	"encoding/json"
	"time"
)

// Priority bounds for NotificationRequest.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 1
	DefaultLanguage = "en"
)

// NotificationRequest is the intake payload submitted by callers.
type NotificationRequest struct {
	RequestID    string           `json:"request_id" validate:"required,max=128"`
	Type         NotificationType `json:"notification_type" validate:"required,notification_type"`
	UserID       string           `json:"user_id" validate:"required,max=128"`
	TemplateCode string           `json:"template_code" validate:"required,max=128"`
	Variables    map[string]any   `json:"variables,omitempty" validate:"omitempty,template_vars"`
	Priority     int              `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	Language     string           `json:"language,omitempty" validate:"omitempty,max=16"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// ApplyDefaults fills in optional fields.
func (r *NotificationRequest) ApplyDefaults() {
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
}

// NotificationResponse is returned by intake and cached verbatim under the
// request's idempotency key.
type NotificationResponse struct {
	NotificationID string        `json:"notification_id,omitempty"`
	Status         DeliveryState `json:"status"`
	Message        string        `json:"message"`
}

// DeliveryStatus is the tracked state of one notification.
type DeliveryStatus struct {
	NotificationID string        `json:"notification_id"`
	Status         DeliveryState `json:"status"`
	Provider       string        `json:"provider,omitempty"`
	ProviderID     string        `json:"provider_message_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	RetryCount     int           `json:"retry_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StatusUpdate carries the fields changed by a status transition. Empty
// optional fields leave the stored values untouched.
type StatusUpdate struct {
	Status     DeliveryState
	Provider   string
	ProviderID string
	Error      string
	RetryCount *int
}

// IdempotencyState is the lifecycle of an idempotency record.
type IdempotencyState string

const (
	IdempotencyProcessing IdempotencyState = "processing"
	IdempotencyCompleted  IdempotencyState = "completed"
)

// IdempotencyRecord is the value stored under an idempotency key.
type IdempotencyRecord struct {
	State     IdempotencyState `json:"state"`
	Token     string           `json:"token,omitempty"`
	Response  json.RawMessage  `json:"response,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// User is the subset of the user service record the pipeline needs.
type User struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Email       string                    `json:"email"`
	PushToken   string                    `json:"push_token,omitempty"`
	Phone       string                    `json:"phone,omitempty"`
	Preferences map[NotificationType]bool `json:"preferences,omitempty"`
}

// Allows reports whether the user accepts notifications of type t. Types with
// no explicit preference are allowed.
func (u User) Allows(t NotificationType) bool {
	enabled, ok := u.Preferences[t]
	if !ok {
		return true
	}
	return enabled
}

// Target returns the delivery addresses recorded for the user.
func (u User) Target() DeliveryTarget {
	return DeliveryTarget{Email: u.Email, PushToken: u.PushToken, Phone: u.Phone, Name: u.Name}
}

// Template is a template service record.
type Template struct {
	Code     string           `json:"code"`
	Type     NotificationType `json:"type,omitempty"`
	Subject  string           `json:"subject,omitempty"`
	Body     string           `json:"body"`
	Version  int              `json:"version,omitempty"`
	Language string           `json:"language,omitempty"`
}

// Snapshot returns the envelope form of t.
func (t Template) Snapshot() *TemplateSnapshot {
	return &TemplateSnapshot{Code: t.Code, Subject: t.Subject, Body: t.Body, Version: t.Version}
}

// RenderedContent is the final content handed to a provider.
type RenderedContent struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}
