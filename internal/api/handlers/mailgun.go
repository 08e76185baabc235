package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/external"
	"courier/internal/status"
	"courier/internal/types"
)

// mailgunEvent is the JSON body Mailgun posts for one tracked event.
type mailgunEvent struct {
	Signature mailgunSignature `json:"signature"`
	EventData mailgunEventData `json:"event-data"`
}

type mailgunSignature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

type mailgunEventData struct {
	Event    string `json:"event"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`

	UserVariables struct {
		NotificationID string `json:"notification_id"`
	} `json:"user-variables"`

	Message struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`

	DeliveryStatus struct {
		Description string `json:"description"`
		Message     string `json:"message"`
	} `json:"delivery-status"`
}

// state maps the event to a delivery state. Temporary failures are retried
// by Mailgun and reported again, so they map to nothing.
func (e mailgunEventData) state() (types.DeliveryState, bool) {
	switch e.Event {
	case "delivered":
		return types.StateDelivered, true
	case "failed":
		if e.Severity == "permanent" {
			return types.StateBounced, true
		}
	case "rejected":
		return types.StateFailed, true
	}
	return "", false
}

func (e mailgunEventData) failure() string {
	for _, s := range []string{e.DeliveryStatus.Description, e.DeliveryStatus.Message, e.Reason} {
		if s != "" {
			return s
		}
	}
	return e.Event
}

// MailgunWebhookHandler ingests Mailgun delivery events.
type MailgunWebhookHandler struct {
	tracker    StatusUpdater
	verifier   external.EventVerifier
	signingKey string
	logger     *slog.Logger
}

// NewMailgunWebhookHandler creates a MailgunWebhookHandler. Signature
// verification is enabled when signingKey is non-empty.
func NewMailgunWebhookHandler(tracker StatusUpdater, verifier external.EventVerifier, signingKey string, l *slog.Logger) *MailgunWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	if verifier == nil {
		verifier = external.NewMailgunVerifier(external.DefaultWebhookMaxAge)
	}
	return &MailgunWebhookHandler{tracker: tracker, verifier: verifier, signingKey: signingKey, logger: l}
}

// RegisterRoutes mounts the Mailgun webhook route.
func (h *MailgunWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/mailgun", h.Handle)
}

// Handle handles POST /v1/webhooks/mailgun. Mailgun retries anything other
// than a 2xx or 406, so a tracker failure answers 500.
func (h *MailgunWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "failed to read request body", err))
		return
	}

	var ev mailgunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "event must be a JSON object", err))
		return
	}

	if h.signingKey != "" {
		if err := h.verify(ev.Signature); err != nil {
			h.logger.WarnContext(r.Context(), "mailgun webhook signature rejected", "error", err)
			core.Error(w, r, err)
			return
		}
	}

	applied, err := h.apply(r.Context(), ev.EventData)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "mailgun event not applied",
			"notification_id", ev.EventData.UserVariables.NotificationID,
			"event", ev.EventData.Event,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "mailgun event processed",
		"notification_id", ev.EventData.UserVariables.NotificationID,
		"event", ev.EventData.Event,
		"applied", applied,
	)
	w.WriteHeader(http.StatusOK)
}

func (h *MailgunWebhookHandler) verify(sig mailgunSignature) error {
	if sig.Signature == "" || sig.Timestamp == "" || sig.Token == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "missing webhook signature", nil)
	}
	valid, err := h.verifier.Verify([]byte(sig.Token), sig.Signature, sig.Timestamp, h.signingKey)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "webhook signature could not be verified", err)
	}
	if !valid {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "webhook signature verification failed", nil)
	}
	return nil
}

func (h *MailgunWebhookHandler) apply(ctx context.Context, ev mailgunEventData) (bool, error) {
	state, ok := ev.state()
	id := ev.UserVariables.NotificationID
	if !ok || id == "" {
		return false, nil
	}

	u := types.StatusUpdate{Status: state, Provider: "mailgun", ProviderID: ev.Message.Headers.MessageID}
	if state != types.StateDelivered {
		u.Error = ev.failure()
	}

	err := h.tracker.UpdateStatus(ctx, id, u)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, status.ErrNotTracked), errors.Is(err, status.ErrStaleTransition):
		h.logger.InfoContext(ctx, "mailgun event skipped",
			"notification_id", id,
			"event", ev.Event,
			"reason", err.Error(),
		)
		return false, nil
	default:
		return false, err
	}
}
