// Package handlers contains the HTTP handlers mounted under /v1.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/intake"
	"courier/internal/types"
)

// NotificationService is the intake surface used by NotificationHandler.
type NotificationService interface {
	Submit(ctx context.Context, req types.NotificationRequest, correlationID string) (intake.Submission, error)
	GetStatus(ctx context.Context, notificationID string) (*types.DeliveryStatus, error)
}

// NotificationHandler accepts notification requests and reports their status.
type NotificationHandler struct {
	service   NotificationService
	validator *core.Validator
	logger    *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(service NotificationService, v *core.Validator, l *slog.Logger) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationHandler{service: service, validator: v, logger: l}
}

// RegisterRoutes mounts the notification routes.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
	})
}

// Create handles POST /v1/notifications.
//
// A newly queued notification answers 202. Replays of an earlier request_id
// and requests refused by user preference answer 200 with the stored
// response.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.NotificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.Submit(r.Context(), req, types.GetCorrelationID(r.Context()))
	if err != nil {
		h.logger.WarnContext(r.Context(), "notification rejected",
			"request_id", req.RequestID,
			"notification_type", req.Type,
			"code", types.CodeOf(err, types.ErrCodeInternalUnexpected),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.AnnotateLog(r.Context(),
		slog.String("notification_id", sub.Response.NotificationID),
		slog.Bool("duplicate", sub.Duplicate),
	)
	status := http.StatusAccepted
	if sub.Duplicate || sub.Response.Status == types.StateFailed {
		status = http.StatusOK
	}
	core.JSON(w, r, status, sub.Response)
}

// Get handles GET /v1/notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	core.AnnotateLog(r.Context(), slog.String("notification_id", id))
	st, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, st)
}
