package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

func TestParseSNSEnvelope(t *testing.T) {
	env, err := ParseSNSEnvelope([]byte(`{"Type":"Notification","MessageId":"m1","TopicArn":"arn:t","Message":"{}"}`))
	require.NoError(t, err)
	assert.Equal(t, SNSTypeNotification, env.Type)
	assert.Equal(t, "arn:t", env.TopicArn)

	for _, body := range []string{``, `nope`, `{"MessageId":"m1"}`} {
		_, err := ParseSNSEnvelope([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestParseSESFeedback_PermanentBounce(t *testing.T) {
	msg := `{
		"eventType": "Bounce",
		"mail": {"messageId": "ses-1", "tags": {"notification_id": ["n-1"]}},
		"bounce": {
			"bounceType": "Permanent",
			"bounceSubType": "General",
			"timestamp": "2026-10-01T12:00:00.123Z",
			"bouncedRecipients": [{"emailAddress": "ada@example.com", "status": "5.1.1", "diagnosticCode": "smtp; 550 user unknown"}]
		}
	}`

	ev, err := ParseSESFeedback(msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, FeedbackBounced, ev.Kind)
	assert.Equal(t, "n-1", ev.NotificationID)
	assert.Equal(t, "ses-1", ev.ProviderMessageID)
	assert.Equal(t, "smtp; 550 user unknown", ev.Reason)
	assert.Equal(t, []string{"ada@example.com"}, ev.Recipients)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 123000000, time.UTC), ev.Timestamp)
}

func TestParseSESFeedback_IdentityNotificationFormat(t *testing.T) {
	msg := `{"notificationType":"Bounce","mail":{"messageId":"ses-2"},"bounce":{"bounceType":"Permanent","bounceSubType":"Suppressed","bouncedRecipients":[{"emailAddress":"x@y.z"}]}}`

	ev, err := ParseSESFeedback(msg)
	require.NoError(t, err)
	assert.Equal(t, FeedbackBounced, ev.Kind)
	assert.Equal(t, "bounce: Suppressed", ev.Reason)
	assert.Empty(t, ev.NotificationID)
}

func TestParseSESFeedback_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		kind    FeedbackKind
		ignored bool
		wantErr bool
	}{
		{"delivery", `{"eventType":"Delivery","mail":{},"delivery":{"recipients":["a@b.c"]}}`, FeedbackDelivered, false, false},
		{"complaint", `{"eventType":"Complaint","mail":{},"complaint":{"complainedRecipients":[{"emailAddress":"a@b.c"}]}}`, FeedbackComplaint, false, false},
		{"transient bounce", `{"eventType":"Bounce","mail":{},"bounce":{"bounceType":"Transient"}}`, "", true, false},
		{"open", `{"eventType":"Open","mail":{}}`, "", true, false},
		{"bounce without details", `{"eventType":"Bounce","mail":{}}`, "", false, true},
		{"complaint without details", `{"eventType":"Complaint","mail":{}}`, "", false, true},
		{"empty", ``, "", false, true},
		{"malformed", `{`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseSESFeedback(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.ignored {
				assert.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, tt.kind, ev.Kind)
		})
	}
}

func TestValidSubscribeURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription", true},
		{"https://sns.cn-north-1.amazonaws.com.cn/?Action=ConfirmSubscription", true},
		{"http://sns.us-east-1.amazonaws.com/", false},
		{"https://sns.us-east-1.amazonaws.com.evil.com/", false},
		{"https://evil.com/sns.us-east-1.amazonaws.com", false},
		{"https://169.254.169.254/", false},
		{"::", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSubscribeURL(tt.url))
		})
	}
}

func TestSNSConfirmer(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Query().Get("Token") == "bad" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &SNSConfirmer{Client: srv.Client()}

	require.NoError(t, c.Confirm(context.Background(), srv.URL+"/?Token=good"))

	err := c.Confirm(context.Background(), srv.URL+"/?Token=bad")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err, ""))
	assert.Equal(t, 2, hits)
}

func TestRedactEmail(t *testing.T) {
	tests := map[string]string{
		"john@gmail.com": "j***@gmail.com",
		"a@b.c":          "a***@b.c",
		"@example.com":   "***@example.com",
		"no-at-sign":     "***",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, RedactEmail(in), in)
	}
}
