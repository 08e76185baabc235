// Package worker turns queued notifications into provider deliveries.
//
// A Handler is attached to both the primary and the retry consumer of a
// notification type. For each message it renders the content, runs the
// delivery executor and hands failures to the retry scheduler, keeping the
// status tracker in step.
package worker

import (
	"context"
	"errors"
	"fmt"

	"courier/internal/delivery"
	"courier/internal/external"
	"courier/internal/retry"
	"courier/internal/status"
	"courier/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Deliverer sends rendered content through the providers of one type.
type Deliverer interface {
	Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (delivery.Result, error)
}

// Renderer renders a template through the template service.
type Renderer interface {
	Render(ctx context.Context, code, language string, vars map[string]any) (types.RenderedContent, error)
}

// StatusUpdater is the subset of the status tracker the worker writes to.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, u types.StatusUpdate) error
}

// RetryScheduler decides between retry and dead-letter for failed messages.
type RetryScheduler interface {
	Retry(ctx context.Context, msg types.QueueMessage, cause error) (retry.Outcome, error)
	DeadLetterRaw(ctx context.Context, body []byte, cause error) error
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Deliverers map[types.NotificationType]Deliverer
	Renderer   Renderer
	Tracker    StatusUpdater
	Scheduler  RetryScheduler
	Logger     types.Logger
}

// Handler processes one queue delivery at a time and is safe for concurrent
// use by the consumer's workers.
type Handler struct {
	deliverers map[types.NotificationType]Deliverer
	renderer   Renderer
	tracker    StatusUpdater
	scheduler  RetryScheduler
	logger     types.Logger
}

// NewHandler creates a Handler from cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Handler{
		deliverers: cfg.Deliverers,
		renderer:   cfg.Renderer,
		tracker:    cfg.Tracker,
		scheduler:  cfg.Scheduler,
		logger:     logger,
	}
}

// Executors adapts a map of delivery executors for HandlerConfig.
func Executors(execs map[types.NotificationType]*delivery.Executor) map[types.NotificationType]Deliverer {
	out := make(map[types.NotificationType]Deliverer, len(execs))
	for t, e := range execs {
		out[t] = e
	}
	return out
}

// Handle implements queue.Handler. A nil return acknowledges the delivery.
// An error is returned only when neither a retry nor a dead letter could be
// published, so the broker redelivers the original.
func (h *Handler) Handle(ctx context.Context, d amqp.Delivery) error {
	msg, err := types.DecodeQueueMessage(d.Body)
	if err != nil {
		// Undecodable payloads can never succeed; park them instead of
		// requeueing forever.
		h.loggerFor(ctx).Error("failed to decode queue message", "error", err.Error())
		if dlErr := h.scheduler.DeadLetterRaw(ctx, d.Body, err); dlErr != nil {
			return dlErr
		}
		return nil
	}
	return h.process(ctx, msg)
}

func (h *Handler) process(ctx context.Context, msg types.QueueMessage) error {
	logger := h.loggerFor(ctx).With(
		"notification_id", msg.NotificationID,
		"notification_type", string(msg.Type),
		"retry_count", msg.RetryCount,
	)

	retryCount := msg.RetryCount
	err := h.tracker.UpdateStatus(ctx, msg.NotificationID, types.StatusUpdate{
		Status:     types.StateProcessing,
		RetryCount: &retryCount,
	})
	switch {
	case errors.Is(err, status.ErrStaleTransition):
		// A duplicate of a message that already reached a final state.
		logger.Info("notification already finalized, skipping delivery", "error", err.Error())
		return nil
	case err != nil:
		logger.Warn("failed to mark notification processing", "error", err.Error())
	}

	result, err := h.deliver(ctx, msg, logger)
	if err != nil {
		return h.handleFailure(ctx, msg, err, logger)
	}

	if err := h.tracker.UpdateStatus(ctx, msg.NotificationID, types.StatusUpdate{
		Status:     types.StateSent,
		Provider:   result.Provider,
		ProviderID: result.ProviderMessageID,
		RetryCount: &retryCount,
	}); err != nil {
		logger.Warn("failed to mark notification sent", "error", err.Error())
	}
	logger.Info("notification sent",
		"provider", result.Provider,
		"provider_message_id", result.ProviderMessageID,
	)
	return nil
}

func (h *Handler) deliver(ctx context.Context, msg types.QueueMessage, logger types.Logger) (delivery.Result, error) {
	d, ok := h.deliverers[msg.Type]
	if !ok {
		return delivery.Result{}, types.Permanent(types.NewAppError(types.ErrCodeValidationInvalidType,
			fmt.Sprintf("no executor for notification type %q", msg.Type), nil))
	}
	if msg.Delivery.Address(msg.Type) == "" {
		return delivery.Result{}, types.NewAppError(types.ErrCodeValidationMissingTarget,
			fmt.Sprintf("no %s address for notification", msg.Type), nil)
	}

	content, err := h.render(ctx, msg, logger)
	if err != nil {
		return delivery.Result{}, err
	}
	return d.Send(ctx, msg, content)
}

// render prefers the template service and falls back to the snapshot carried
// in the envelope.
func (h *Handler) render(ctx context.Context, msg types.QueueMessage, logger types.Logger) (types.RenderedContent, error) {
	if h.renderer != nil {
		content, err := h.renderer.Render(ctx, msg.TemplateCode, msg.Language, msg.Variables)
		if err == nil {
			return content, nil
		}
		if msg.Template == nil {
			return types.RenderedContent{}, fmt.Errorf("render template %s: %w", msg.TemplateCode, err)
		}
		logger.Warn("template service render failed, using envelope snapshot",
			"template_code", msg.TemplateCode,
			"error", err.Error(),
		)
	}
	return external.RenderLocal(msg.Template, msg.Variables)
}

func (h *Handler) handleFailure(ctx context.Context, msg types.QueueMessage, cause error, logger types.Logger) error {
	outcome, err := h.scheduler.Retry(ctx, msg, cause)
	if err != nil {
		logger.Error("failed to schedule retry", "error", err.Error(), "cause", cause.Error())
		return err
	}

	update := types.StatusUpdate{Error: cause.Error()}
	switch outcome.Action {
	case retry.ActionRetried:
		attempt := outcome.Attempt
		update.Status = types.StatePending
		update.RetryCount = &attempt
	default:
		update.Status = types.StateDeadLettered
	}
	if err := h.tracker.UpdateStatus(ctx, msg.NotificationID, update); err != nil {
		logger.Warn("failed to record delivery failure", "status", string(update.Status), "error", err.Error())
	}
	return nil
}

func (h *Handler) loggerFor(ctx context.Context) types.Logger {
	if l := types.LoggerFromContext(ctx); l != nil {
		return l
	}
	return h.logger
}
