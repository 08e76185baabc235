package external

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strconv"
	"testing"
	"time"
)

func generateTestECDSAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ECDSA key: %v", err)
	}
	return key
}

// marshalPublicKey returns the key as base64 DER, the format SendGrid shows,
// or PEM.
func marshalPublicKey(t *testing.T, pub *ecdsa.PublicKey, asPEM bool) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	if asPEM {
		return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	}
	return base64.StdEncoding.EncodeToString(der)
}

func signPayload(t *testing.T, key *ecdsa.PrivateKey, timestamp string, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(append([]byte(timestamp), payload...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("failed to sign payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestSendGridVerifier(t *testing.T) {
	key := generateTestECDSAKey(t)
	other := generateTestECDSAKey(t)

	payload := []byte(`[{"email":"ada@example.com","event":"delivered","notification_id":"n-1"}]`)
	const ts = "1614556800"
	sig := signPayload(t, key, ts, payload)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		timestamp string
		publicKey string
		wantValid bool
		wantErr   bool
	}{
		{"valid base64 key", payload, sig, ts, marshalPublicKey(t, &key.PublicKey, false), true, false},
		{"valid PEM key", payload, sig, ts, marshalPublicKey(t, &key.PublicKey, true), true, false},
		{"tampered payload", []byte(`[{"event":"bounce"}]`), sig, ts, marshalPublicKey(t, &key.PublicKey, false), false, false},
		{"wrong timestamp", payload, sig, "1614556801", marshalPublicKey(t, &key.PublicKey, false), false, false},
		{"wrong key", payload, sig, ts, marshalPublicKey(t, &other.PublicKey, false), false, false},
		{"signature not base64", payload, "!!!", ts, marshalPublicKey(t, &key.PublicKey, false), false, true},
		{"signature not ASN.1", payload, base64.StdEncoding.EncodeToString([]byte("garbage")), ts, marshalPublicKey(t, &key.PublicKey, false), false, false},
		{"timestamp not numeric", payload, sig, "yesterday", marshalPublicKey(t, &key.PublicKey, false), false, true},
		{"empty key", payload, sig, ts, "", false, true},
		{"key not base64", payload, sig, ts, "not-a-key", false, true},
	}

	v := &SendGridVerifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, err := v.Verify(tt.payload, tt.signature, tt.timestamp, tt.publicKey)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
		})
	}
}

func TestParseECPublicKey_RejectsNonECDSA(t *testing.T) {
	// An Ed25519 SubjectPublicKeyInfo is valid PKIX but not ECDSA.
	ed := "MCowBQYDK2VwAyEAGb9ECWmEzf6FQbrBZ9w7lshQhqowtrbLDFw4rXAxZuE="
	if _, err := parseECPublicKey(ed); err == nil {
		t.Error("expected error for non-ECDSA key")
	}
}

func TestSendGridVerifier_ReplayWindow(t *testing.T) {
	key := generateTestECDSAKey(t)
	pub := marshalPublicKey(t, &key.PublicKey, false)
	payload := []byte(`[{"event":"delivered","notification_id":"n-1"}]`)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	v := NewSendGridVerifier(DefaultWebhookMaxAge)
	v.Now = func() time.Time { return now }

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	valid, err := v.Verify(payload, signPayload(t, key, fresh, payload), fresh, pub)
	if err != nil || !valid {
		t.Fatalf("fresh event: valid=%v err=%v", valid, err)
	}

	stale := strconv.FormatInt(now.Add(-DefaultWebhookMaxAge-time.Second).Unix(), 10)
	valid, err = v.Verify(payload, signPayload(t, key, stale, payload), stale, pub)
	if !errors.Is(err, ErrWebhookTimestampExpired) || valid {
		t.Errorf("stale event: valid=%v err=%v", valid, err)
	}
}

func signMailgun(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMailgunVerifier(t *testing.T) {
	const (
		signingKey = "mg-signing-key"
		token      = "a8ce0edb2dd8301dee6c2405235584e45aa91d1e9f979f3de0"
	)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signMailgun(signingKey, ts, token)

	tests := []struct {
		name      string
		token     string
		signature string
		timestamp string
		key       string
		wantValid bool
		wantErr   bool
	}{
		{"valid", token, sig, ts, signingKey, true, false},
		{"wrong key", token, sig, ts, "other-key", false, false},
		{"replayed token", "different-token", sig, ts, signingKey, false, false},
		{"signature not hex", token, "zz", ts, signingKey, false, true},
		{"empty key", token, sig, ts, "", false, true},
		{"expired", token, signMailgun(signingKey, "1614556800", token), "1614556800", signingKey, false, true},
	}

	v := NewMailgunVerifier(DefaultWebhookMaxAge)
	v.Now = func() time.Time { return now }
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, err := v.Verify([]byte(tt.token), tt.signature, tt.timestamp, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
		})
	}
}
