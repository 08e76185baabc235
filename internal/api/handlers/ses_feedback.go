package handlers

import (
	"context"
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

// SubscriptionConfirmer confirms an SNS subscription.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

// SESFeedbackHandler ingests SES events delivered through SNS.
type SESFeedbackHandler struct {
	tracker   StatusUpdater
	confirmer SubscriptionConfirmer
	topicARN  string
	logger    *slog.Logger
}

// NewSESFeedbackHandler creates an SESFeedbackHandler. When topicARN is set,
// messages from any other topic are rejected.
func NewSESFeedbackHandler(tracker StatusUpdater, confirmer SubscriptionConfirmer, topicARN string, l *slog.Logger) *SESFeedbackHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SESFeedbackHandler{tracker: tracker, confirmer: confirmer, topicARN: topicARN, logger: l}
}

// RegisterRoutes mounts the SES feedback route.
func (h *SESFeedbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/ses", h.Handle)
}

// Handle handles POST /v1/webhooks/ses.
func (h *SESFeedbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "failed to read request body", err))
		return
	}

	env, err := external.ParseSNSEnvelope(body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "malformed SNS message", err))
		return
	}
	if h.topicARN != "" && env.TopicArn != h.topicARN {
		h.logger.WarnContext(r.Context(), "sns message from unexpected topic", "topic_arn", env.TopicArn)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidSignature, "unexpected SNS topic", nil))
		return
	}

	switch env.Type {
	case external.SNSTypeSubscriptionConf:
		h.confirm(w, r, env)
	case external.SNSTypeNotification:
		h.notify(w, r, env)
	default:
		h.logger.InfoContext(r.Context(), "sns message ignored", "type", env.Type, "topic_arn", env.TopicArn)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *SESFeedbackHandler) confirm(w http.ResponseWriter, r *http.Request, env external.SNSEnvelope) {
	if !external.ValidSubscribeURL(env.SubscribeURL) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "SubscribeURL is not an SNS endpoint", nil))
		return
	}
	if err := h.confirmer.Confirm(r.Context(), env.SubscribeURL); err != nil {
		h.logger.ErrorContext(r.Context(), "sns subscription confirmation failed", "topic_arn", env.TopicArn, "error", err)
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "sns subscription confirmed", "topic_arn", env.TopicArn)
	w.WriteHeader(http.StatusOK)
}

func (h *SESFeedbackHandler) notify(w http.ResponseWriter, r *http.Request, env external.SNSEnvelope) {
	ctx := r.Context()
	ev, err := external.ParseSESFeedback(env.Message)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "malformed SES event", err))
		return
	}
	if ev == nil || ev.NotificationID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	recipients := make([]string, len(ev.Recipients))
	for i, rcpt := range ev.Recipients {
		recipients[i] = external.RedactEmail(rcpt)
	}
	logger := h.logger.With(
		"notification_id", ev.NotificationID,
		"ses_message_id", ev.ProviderMessageID,
		"kind", string(ev.Kind),
		"recipients", recipients,
	)

	var u types.StatusUpdate
	switch ev.Kind {
	case external.FeedbackDelivered:
		u = types.StatusUpdate{Status: types.StateDelivered}
	case external.FeedbackBounced:
		u = types.StatusUpdate{Status: types.StateBounced, Error: ev.Reason}
	default:
		// Complaints arrive after delivery and do not change the state.
		logger.WarnContext(ctx, "ses complaint received", "reason", ev.Reason)
		w.WriteHeader(http.StatusOK)
		return
	}
	u.Provider = "ses"
	u.ProviderID = ev.ProviderMessageID

	err = h.tracker.UpdateStatus(ctx, ev.NotificationID, u)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "ses feedback applied")
	case errors.Is(err, status.ErrNotTracked), errors.Is(err, status.ErrStaleTransition):
		logger.InfoContext(ctx, "ses feedback skipped", "reason", err.Error())
	default:
		logger.ErrorContext(ctx, "ses feedback not applied", "error", err)
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
