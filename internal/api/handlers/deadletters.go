package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/types"
)

// DeadLetterReader reads the dead-letter archive.
type DeadLetterReader interface {
	List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.ArchivedDeadLetter, string, error)
	Get(ctx context.Context, id string) (*types.ArchivedDeadLetter, error)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// DeadLetterHandler exposes archived dead letters.
type DeadLetterHandler struct {
	repo   DeadLetterReader
	logger *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(repo DeadLetterReader, l *slog.Logger) *DeadLetterHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DeadLetterHandler{repo: repo, logger: l}
}

// RegisterRoutes mounts the dead-letter routes.
func (h *DeadLetterHandler) RegisterRoutes(r chi.Router) {
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
	})
}

// List handles GET /v1/dead-letters?limit=&cursor=&notification_type=&reason=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				"limit must be an integer between 1 and 100", err,
				map[string]any{"field": "limit"}))
			return
		}
		limit = n
	}

	filter := types.DeadLetterFilter{
		Type:   types.NotificationType(q.Get("notification_type")),
		Reason: q.Get("reason"),
		Limit:  limit,
		Cursor: q.Get("cursor"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidType,
			"notification_type must be one of email, push, sms", nil))
		return
	}

	items, next, err := h.repo.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if items == nil {
		items = []*types.ArchivedDeadLetter{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: items,
		Meta: &core.PageMeta{Limit: limit, NextCursor: next},
	})
}

// Get handles GET /v1/dead-letters/{id}.
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, rec)
}
