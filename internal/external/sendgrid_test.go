package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/types"
)

func newTestSendGridProvider(t *testing.T, serverURL string) *SendGridProvider {
	t.Helper()
	base := NewBaseClient(&http.Client{Timeout: 5 * time.Second}, NoRetries(), "Courier-Test/1.0",
		WithSleepFunc(noopSleep), WithUnavailableCode(types.ErrCodeUpstreamEmailProvider))

	return NewSendGridProvider(base, SendGridConfig{
		APIKey:   "SG.test_api_key",
		BaseURL:  serverURL,
		FromAddr: "noreply@courier.local",
		FromName: "Courier",
	})
}

func TestSendGridSend_Success(t *testing.T) {
	var (
		receivedPayload sendGridMailPayload
		receivedAuth    string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		receivedAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&receivedPayload); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg_msg_abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := newTestSendGridProvider(t, server.URL)
	content := types.RenderedContent{Subject: "Welcome Ada", Body: "Hello Ada", HTML: "<p>Hello Ada</p>"}

	msgID, err := p.Send(context.Background(), emailQueueMessage(), content)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if msgID != "sg_msg_abc123" {
		t.Errorf("expected message ID sg_msg_abc123, got %s", msgID)
	}
	if receivedAuth != "Bearer SG.test_api_key" {
		t.Errorf("unexpected Authorization %q", receivedAuth)
	}

	if len(receivedPayload.Personalizations) != 1 || receivedPayload.Personalizations[0].To[0].Email != "recipient@example.com" {
		t.Fatalf("unexpected personalizations: %+v", receivedPayload.Personalizations)
	}
	if receivedPayload.Subject != "Welcome Ada" {
		t.Errorf("subject = %q", receivedPayload.Subject)
	}
	if len(receivedPayload.Content) != 2 || receivedPayload.Content[0].Type != "text/plain" || receivedPayload.Content[1].Type != "text/html" {
		t.Errorf("unexpected content parts: %+v", receivedPayload.Content)
	}
	if receivedPayload.CustomArgs["notification_id"] != "notif_001" {
		t.Errorf("custom_args = %v", receivedPayload.CustomArgs)
	}
	if receivedPayload.From.Email != "noreply@courier.local" {
		t.Errorf("from = %+v", receivedPayload.From)
	}
}

func TestSendGridConfigured(t *testing.T) {
	p := NewSendGridProvider(NewBaseClient(http.DefaultClient, NoRetries(), ""), SendGridConfig{})
	if p.Configured() {
		t.Error("provider without API key must be unconfigured")
	}
	if p.Name() != "sendgrid" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestSendGridSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  types.ErrorCode
		permanent bool
	}{
		{"forbidden", http.StatusForbidden, `{"errors":[{"message":"suppressed"}]}`, types.ErrCodeEmailBlocked, true},
		{"bad recipient", http.StatusBadRequest, `{"errors":[{"message":"Does not contain a valid address.","field":"personalizations.0.to.0.email"}]}`, types.ErrCodeRecipientRejected, true},
		{"bad request other", http.StatusBadRequest, `{"errors":[{"message":"bad from","field":"from.email"}]}`, types.ErrCodeUpstreamEmailProvider, false},
		{"unauthorized", http.StatusUnauthorized, `not json`, types.ErrCodeUpstreamEmailProvider, false},
		{"rate limited", http.StatusTooManyRequests, ``, types.ErrCodeUpstreamRateLimited, false},
		{"server error", http.StatusInternalServerError, ``, types.ErrCodeUpstreamEmailProvider, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestSendGridProvider(t, server.URL).Send(context.Background(), emailQueueMessage(), types.RenderedContent{Body: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.CodeOf(err, ""); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if types.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", types.IsPermanent(err), tt.permanent)
			}
		})
	}
}
