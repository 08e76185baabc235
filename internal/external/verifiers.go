package external

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SendGrid signed event webhook header names.
const (
	HeaderSendGridSignature = "X-Twilio-Email-Event-Webhook-Signature"
	HeaderSendGridTimestamp = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// DefaultWebhookMaxAge is the replay window applied by the production
// verifiers.
const DefaultWebhookMaxAge = 15 * time.Minute

// ErrWebhookTimestampExpired is returned when a signed timestamp falls
// outside the verifier's MaxAge.
var ErrWebhookTimestampExpired = errors.New("webhook timestamp outside the accepted window")

// replayWindow rejects signed timestamps too far from now. A zero MaxAge
// only checks that the timestamp is unix seconds.
type replayWindow struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func (w replayWindow) check(timestamp string) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q is not unix seconds: %w", timestamp, err)
	}
	if w.MaxAge <= 0 {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	skew := now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > w.MaxAge {
		return ErrWebhookTimestampExpired
	}
	return nil
}

// SendGridVerifier implements EventVerifier for the SendGrid Signed Event
// Webhook: an ECDSA P-256 signature, ASN.1 DER and base64-encoded, over
// sha256(timestamp || body).
type SendGridVerifier struct {
	replayWindow
}

// NewSendGridVerifier returns a SendGridVerifier that rejects timestamps
// older than maxAge.
func NewSendGridVerifier(maxAge time.Duration) *SendGridVerifier {
	return &SendGridVerifier{replayWindow{MaxAge: maxAge}}
}

// Verify checks signature (HeaderSendGridSignature) over timestamp
// (HeaderSendGridTimestamp) and the raw body. publicKey is the base64 DER or
// PEM key from the SendGrid settings page.
func (v *SendGridVerifier) Verify(payload []byte, signature string, timestamp string, publicKey string) (bool, error) {
	if err := v.check(timestamp); err != nil {
		return false, err
	}
	key, err := parseECPublicKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}

	digest := sha256.Sum256(append([]byte(timestamp), payload...))
	return ecdsa.VerifyASN1(key, digest[:], sig), nil
}

func parseECPublicKey(s string) (*ecdsa.PublicKey, error) {
	if s == "" {
		return nil, errors.New("public key is empty")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to base64-decode public key: %w", err)
		}
		der = b
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA (got %T)", pub)
	}
	return key, nil
}

// MailgunVerifier implements EventVerifier for Mailgun webhooks: a hex
// HMAC-SHA256 under the webhook signing key over timestamp || token. The
// token is passed as payload since Mailgun signs it instead of the body.
type MailgunVerifier struct {
	replayWindow
}

// NewMailgunVerifier returns a MailgunVerifier that rejects timestamps older
// than maxAge.
func NewMailgunVerifier(maxAge time.Duration) *MailgunVerifier {
	return &MailgunVerifier{replayWindow{MaxAge: maxAge}}
}

// Verify checks the signature block of a Mailgun event.
func (v *MailgunVerifier) Verify(token []byte, signature string, timestamp string, signingKey string) (bool, error) {
	if signingKey == "" {
		return false, errors.New("signing key is empty")
	}
	if err := v.check(timestamp); err != nil {
		return false, err
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write(token)
	return hmac.Equal(mac.Sum(nil), got), nil
}

var (
	_ EventVerifier = (*SendGridVerifier)(nil)
	_ EventVerifier = (*MailgunVerifier)(nil)
)
