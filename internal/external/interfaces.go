package external

import (
	"context"

	"courier/internal/types"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// UserLookup resolves a user and their channel preferences.
type UserLookup interface {
	// GetUser returns the user or an AppError with ErrCodeNotFoundUser.
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// TemplateLookup resolves and renders templates.
type TemplateLookup interface {
	// GetTemplate returns the template in the requested language or an
	// AppError with ErrCodeNotFoundTemplate.
	GetTemplate(ctx context.Context, code, language string) (*types.Template, error)

	// Render asks the template service to render code with vars.
	Render(ctx context.Context, code, language string, vars map[string]any) (types.RenderedContent, error)
}

// ---------------------------------------------------------------------------
// Provider webhooks
// ---------------------------------------------------------------------------

// EventVerifier checks the signature on an inbound provider event webhook.
type EventVerifier interface {
	// Verify returns (true, nil) for a valid signature, (false, nil) for an
	// invalid one and an error when the inputs cannot be verified at all.
	Verify(payload []byte, signature string, timestamp string, publicKey string) (bool, error)
}

// SendGrid event webhook event names.
const (
	EventSendGridDelivered = "delivered"
	EventSendGridBounce    = "bounce"
	EventSendGridDropped   = "dropped"
	EventSendGridDeferred  = "deferred"
	EventSendGridProcessed = "processed"
)
