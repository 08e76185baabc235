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

// maxWebhookBodySize bounds a SendGrid event batch.
const maxWebhookBodySize = 1 << 20

// StatusUpdater applies provider-reported transitions.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, u types.StatusUpdate) error
}

// sendGridEvent is one entry of a SendGrid event webhook batch. Custom args
// set at send time arrive as top-level fields.
type sendGridEvent struct {
	Event          string `json:"event"`
	Email          string `json:"email"`
	Timestamp      int64  `json:"timestamp"`
	SGMessageID    string `json:"sg_message_id"`
	Reason         string `json:"reason"`
	Status         string `json:"status"`
	NotificationID string `json:"notification_id"`
}

// sendGridStates maps SendGrid event names to delivery states. Events not
// listed are ignored.
var sendGridStates = map[string]types.DeliveryState{
	"delivered": types.StateDelivered,
	"bounce":    types.StateBounced,
	"dropped":   types.StateFailed,
}

// WebhookHandler ingests provider delivery events.
type WebhookHandler struct {
	tracker   StatusUpdater
	verifier  external.EventVerifier
	publicKey string
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. Signature verification is
// enabled when publicKey is non-empty.
func NewWebhookHandler(tracker StatusUpdater, verifier external.EventVerifier, publicKey string, l *slog.Logger) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	if verifier == nil {
		verifier = &external.SendGridVerifier{}
	}
	return &WebhookHandler{tracker: tracker, verifier: verifier, publicKey: publicKey, logger: l}
}

// RegisterRoutes mounts the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/sendgrid", h.SendGrid)
}

// SendGrid handles POST /v1/webhooks/sendgrid.
//
// Events for unknown or already-final notifications are skipped. A tracker
// failure answers 500 so SendGrid redelivers the batch; transitions are
// idempotent.
func (h *WebhookHandler) SendGrid(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "failed to read request body", err))
		return
	}

	if h.publicKey != "" {
		if err := h.verify(payload, r); err != nil {
			h.logger.WarnContext(r.Context(), "sendgrid webhook signature rejected", "error", err)
			core.Error(w, r, err)
			return
		}
	}

	var events []sendGridEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "event batch must be a JSON array", err))
		return
	}

	applied := 0
	for _, ev := range events {
		ok, err := h.apply(r.Context(), ev)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "sendgrid event not applied",
				"notification_id", ev.NotificationID,
				"event", ev.Event,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}
		if ok {
			applied++
		}
	}

	h.logger.InfoContext(r.Context(), "sendgrid events processed",
		"received", len(events),
		"applied", applied,
	)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) verify(payload []byte, r *http.Request) error {
	sig := r.Header.Get(external.HeaderSendGridSignature)
	ts := r.Header.Get(external.HeaderSendGridTimestamp)
	if sig == "" || ts == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "missing webhook signature headers", nil)
	}
	valid, err := h.verifier.Verify(payload, sig, ts, h.publicKey)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "webhook signature could not be verified", err)
	}
	if !valid {
		return types.NewAppError(types.ErrCodeValidationInvalidSignature, "webhook signature verification failed", nil)
	}
	return nil
}

// apply reports whether ev changed a tracked notification.
func (h *WebhookHandler) apply(ctx context.Context, ev sendGridEvent) (bool, error) {
	state, known := sendGridStates[ev.Event]
	if !known || ev.NotificationID == "" {
		return false, nil
	}

	u := types.StatusUpdate{Status: state, Provider: "sendgrid", ProviderID: ev.SGMessageID}
	if state != types.StateDelivered {
		u.Error = ev.Reason
		if u.Error == "" {
			u.Error = ev.Event
		}
	}

	err := h.tracker.UpdateStatus(ctx, ev.NotificationID, u)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, status.ErrNotTracked), errors.Is(err, status.ErrStaleTransition):
		h.logger.InfoContext(ctx, "sendgrid event skipped",
			"notification_id", ev.NotificationID,
			"event", ev.Event,
			"reason", err.Error(),
		)
		return false, nil
	default:
		return false, err
	}
}
