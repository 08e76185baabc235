// Package delivery sends a rendered notification through an ordered list of
// providers, falling back to the next provider when one fails.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/breaker"
	"courier/internal/metrics"
	"courier/internal/tracing"
	"courier/internal/types"

	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrAllProvidersFailed is matched by the error Send returns when every
	// attempted provider failed.
	ErrAllProvidersFailed = errors.New("all delivery providers failed")
	// ErrNoProviders is returned when no provider for the type is configured.
	ErrNoProviders = errors.New("no configured delivery provider")
)

// Provider delivers one notification through a single external service.
type Provider interface {
	// Name is a short stable identifier, e.g. "sendgrid".
	Name() string
	// Configured reports whether credentials are present. Unconfigured
	// providers are skipped without an attempt.
	Configured() bool
	// Send delivers content to msg.Delivery and returns the provider's
	// message id when it issues one.
	Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error)
}

// Attempt records one provider call.
type Attempt struct {
	Provider string
	Err      error
	Duration time.Duration
}

// Result describes a successful delivery.
type Result struct {
	Provider          string
	ProviderMessageID string
	Attempts          []Attempt
}

type slot struct {
	provider Provider
	breaker  *breaker.Breaker
}

// Executor tries providers in order. Each provider sits behind its own
// breaker so one failing vendor does not block its fallbacks.
type Executor struct {
	notificationType types.NotificationType
	slots            []slot
	logger           types.Logger
	metrics          metrics.Recorder
	clock            types.Clock
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics sets the recorder for per-provider attempts.
func WithMetrics(m metrics.Recorder) Option { return func(e *Executor) { e.metrics = m } }

// WithClock overrides the clock used to time attempts.
func WithClock(c types.Clock) Option { return func(e *Executor) { e.clock = c } }

// NewExecutor builds an executor for t. Breakers are named "<type>:<provider>".
func NewExecutor(t types.NotificationType, providers []Provider, breakers breaker.Factory, logger types.Logger, opts ...Option) *Executor {
	e := &Executor{
		notificationType: t,
		logger:           logger.With("notification_type", string(t)),
		metrics:          metrics.Noop{},
		clock:            types.RealClock{},
	}
	for _, p := range providers {
		e.slots = append(e.slots, slot{
			provider: p,
			breaker:  breakers.New(fmt.Sprintf("%s:%s", t, p.Name())),
		})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Type returns the notification type this executor serves.
func (e *Executor) Type() types.NotificationType { return e.notificationType }

// Providers lists provider names in attempt order with their breaker state.
func (e *Executor) Providers() map[string]types.CircuitState {
	out := make(map[string]types.CircuitState, len(e.slots))
	for _, s := range e.slots {
		out[s.provider.Name()] = s.breaker.State()
	}
	return out
}

// Send delivers content, returning on the first provider success. When every
// attempted provider fails, the error wraps ErrAllProvidersFailed together
// with each cause and is permanent only if every cause was.
func (e *Executor) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (Result, error) {
	var (
		attempts  []Attempt
		causes    []error
		permanent = true
	)

	for _, s := range e.slots {
		name := s.provider.Name()
		if !s.provider.Configured() {
			e.metrics.DeliveryAttempt(e.notificationType, name, metrics.ResultSkipped, 0)
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempts}, fmt.Errorf("delivery interrupted: %w", err)
		}

		id, elapsed, err := e.attempt(ctx, s, msg, content)
		attempts = append(attempts, Attempt{Provider: name, Err: err, Duration: elapsed})
		e.metrics.DeliveryAttempt(e.notificationType, name, metrics.ResultOf(err), elapsed)

		if err == nil {
			e.logger.Info("notification delivered",
				"notification_id", msg.NotificationID,
				"provider", name,
				"attempts", len(attempts),
			)
			return Result{Provider: name, ProviderMessageID: id, Attempts: attempts}, nil
		}

		e.logger.Warn("provider failed",
			"notification_id", msg.NotificationID,
			"provider", name,
			"error", err.Error(),
		)
		causes = append(causes, fmt.Errorf("%s: %w", name, err))
		if !types.IsPermanent(err) {
			permanent = false
		}
	}

	if len(attempts) == 0 {
		return Result{}, types.NewAppError(e.unavailableCode(),
			fmt.Sprintf("no %s provider is configured", e.notificationType), ErrNoProviders)
	}

	err := types.NewAppError(e.unavailableCode(),
		fmt.Sprintf("all %d %s providers failed", len(attempts), e.notificationType),
		fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(causes...)))
	if permanent {
		return Result{Attempts: attempts}, types.Permanent(err)
	}
	return Result{Attempts: attempts}, err
}

func (e *Executor) attempt(ctx context.Context, s slot, msg types.QueueMessage, content types.RenderedContent) (string, time.Duration, error) {
	ctx, span := tracing.Tracer().Start(ctx, "deliver "+s.provider.Name())
	span.SetAttributes(
		attribute.String("notification.id", msg.NotificationID),
		attribute.String("notification.type", string(msg.Type)),
		attribute.Int("notification.retry_count", msg.RetryCount),
	)
	defer span.End()

	start := e.clock.Now()
	var id string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		id, sendErr = s.provider.Send(ctx, msg, content)
		return sendErr
	})
	if err != nil {
		span.RecordError(err)
	}
	return id, e.clock.Now().Sub(start), err
}

func (e *Executor) unavailableCode() types.ErrorCode {
	switch e.notificationType {
	case types.NotificationEmail:
		return types.ErrCodeUpstreamEmailProvider
	case types.NotificationPush:
		return types.ErrCodeUpstreamPushProvider
	case types.NotificationSMS:
		return types.ErrCodeUpstreamSMSProvider
	default:
		return types.ErrCodeUpstreamUnavailable
	}
}
