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

const fcmAPIBase = "https://fcm.googleapis.com"

// FCMConfig holds the configuration for creating an FCMProvider.
type FCMConfig struct {
	ProjectID   string
	AccessToken string
	BaseURL     string // Override for testing; defaults to fcmAPIBase
}

// FCMProvider delivers push notifications through the Firebase Cloud
// Messaging HTTP v1 API.
type FCMProvider struct {
	base        *BaseClient
	projectID   string
	accessToken string
	baseURL     string
}

// NewFCMProvider creates an FCMProvider. The BaseClient should use NoRetries.
func NewFCMProvider(base *BaseClient, cfg FCMConfig) *FCMProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fcmAPIBase
	}
	return &FCMProvider{
		base:        base,
		projectID:   cfg.ProjectID,
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
	}
}

func (f *FCMProvider) Name() string     { return "fcm" }
func (f *FCMProvider) Configured() bool { return f.projectID != "" && f.accessToken != "" }

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

type fcmResponse struct {
	Name string `json:"name"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send posts one message to the device token and returns the FCM message
// name.
func (f *FCMProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	if msg.Delivery.PushToken == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingTarget, "push token is empty", nil)
	}

	body, err := json.Marshal(fcmRequest{Message: f.buildMessage(msg, content)})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal FCM message", err)
	}

	reqURL := fmt.Sprintf("%s/v1/projects/%s/messages:send", f.baseURL, f.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create FCM request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.accessToken)

	resp, err := f.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var out fcmResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", types.NewAppError(types.ErrCodeUpstreamPushProvider, "malformed FCM response", err)
		}
		return out.Name, nil
	}
	return "", f.handleErrorResponse(resp)
}

func (f *FCMProvider) buildMessage(msg types.QueueMessage, content types.RenderedContent) fcmMessage {
	data := map[string]string{"notification_id": msg.NotificationID}
	for _, k := range []string{"link", "image"} {
		if v, ok := msg.Variables[k]; ok && v != nil {
			data[k] = fmt.Sprint(v)
		}
	}
	for k, v := range msg.Metadata {
		if _, taken := data[k]; !taken && v != nil {
			data[k] = fmt.Sprint(v)
		}
	}
	return fcmMessage{
		Token: msg.Delivery.PushToken,
		Notification: fcmNotification{
			Title: content.Subject,
			Body:  content.Body,
			Image: data["image"],
		},
		Data: data,
	}
}

// handleErrorResponse maps FCM errors. An unregistered token or an invalid
// message cannot succeed on retry.
func (f *FCMProvider) handleErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var fe fcmErrorResponse
	_ = json.Unmarshal(raw, &fe)

	errorCode := fe.Error.Status
	for _, d := range fe.Error.Details {
		if d.ErrorCode != "" {
			errorCode = d.ErrorCode
		}
	}
	message := fe.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	switch {
	case errorCode == "UNREGISTERED" || resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeRecipientRejected,
			fmt.Sprintf("FCM token not registered: %s", message), nil)
	case errorCode == "INVALID_ARGUMENT" || resp.StatusCode == http.StatusBadRequest:
		return types.NewAppError(types.ErrCodeRecipientRejected,
			fmt.Sprintf("FCM rejected message: %s", message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamPushProvider,
			fmt.Sprintf("FCM error (%d %s): %s", resp.StatusCode, errorCode, message), nil)
	}
}

var _ delivery.Provider = (*FCMProvider)(nil)
