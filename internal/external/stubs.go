package external

import (
	"context"
	"fmt"

	"courier/internal/delivery"
	"courier/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs let the binaries boot in local/test mode without provider
// credentials. They log every call and return predictable values.
// ---------------------------------------------------------------------------

// StubProvider implements delivery.Provider by logging the send and returning
// a fake message id. Used when config.IsTestMode is true or APP_ENV=local.
type StubProvider struct {
	name   string
	logger types.Logger
}

// NewStubProvider creates a StubProvider reporting itself as name.
func NewStubProvider(name string, logger types.Logger) *StubProvider {
	return &StubProvider{name: name, logger: logger}
}

func (s *StubProvider) Name() string     { return s.name }
func (s *StubProvider) Configured() bool { return true }

func (s *StubProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	s.logger.Info("stub: Send called",
		"provider", s.name,
		"notification_id", msg.NotificationID,
		"notification_type", msg.Type,
		"address", msg.Delivery.Address(msg.Type),
		"subject", content.Subject,
	)
	return fmt.Sprintf("msg_stub_%s", msg.NotificationID), nil
}

// StubEventVerifier implements EventVerifier by always returning valid.
type StubEventVerifier struct {
	logger types.Logger
}

// NewStubEventVerifier creates a new StubEventVerifier.
func NewStubEventVerifier(logger types.Logger) *StubEventVerifier {
	return &StubEventVerifier{logger: logger}
}

func (s *StubEventVerifier) Verify(payload []byte, signature string, timestamp string, publicKey string) (bool, error) {
	s.logger.Info("stub: event webhook Verify called", "payload_len", len(payload))
	return true, nil
}

var (
	_ delivery.Provider = (*StubProvider)(nil)
	_ EventVerifier     = (*StubEventVerifier)(nil)
)
