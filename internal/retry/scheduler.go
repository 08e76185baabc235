package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"courier/internal/metrics"
	"courier/internal/types"
)

// Publisher is the subset of queue.Publisher the scheduler needs.
type Publisher interface {
	PublishRetry(ctx context.Context, queueName string, msg types.QueueMessage, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, dl types.DeadLetter) error
}

// Action is what Retry did with a failed message.
type Action string

const (
	ActionRetried      Action = "retried"
	ActionDeadLettered Action = "dead_lettered"
)

// Outcome describes a scheduling decision.
type Outcome struct {
	Action  Action
	Attempt int           // retry_count of the published retry
	Delay   time.Duration // zero when dead-lettered
	Reason  string        // dead-letter reason
}

// Scheduler publishes retries and dead letters. Each call publishes exactly
// one message.
type Scheduler struct {
	policy    Policy
	publisher Publisher
	logger    types.Logger
	metrics   metrics.Recorder
	clock     types.Clock
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics sets the recorder for retries and dead letters.
func WithMetrics(m metrics.Recorder) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock overrides the clock stamped on dead letters.
func WithClock(c types.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// NewScheduler creates a Scheduler that republishes through publisher under
// policy.
func NewScheduler(publisher Publisher, policy Policy, logger types.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy:    policy,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics.Noop{},
		clock:     types.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retry handles a failed delivery of msg. Permanent causes and messages that
// have used up their retries are dead-lettered; anything else is republished
// to the type's retry queue with retry_count incremented once. The returned
// error is a publish failure; the caller should leave the original message
// unacknowledged.
func (s *Scheduler) Retry(ctx context.Context, msg types.QueueMessage, cause error) (Outcome, error) {
	switch {
	case types.IsPermanent(cause):
		return s.deadLetter(ctx, msg, cause, types.ReasonPermanent)
	case s.policy.Exhausted(msg.RetryCount):
		return s.deadLetter(ctx, msg, cause, types.ReasonRetriesExhausted)
	}

	next := msg.NextAttempt(cause)
	delay := s.policy.Backoff(next.RetryCount)
	queueName := msg.Type.RetryQueue()

	if err := s.publisher.PublishRetry(ctx, queueName, next, delay); err != nil {
		return Outcome{}, fmt.Errorf("schedule retry %d: %w", next.RetryCount, err)
	}

	s.metrics.RetryScheduled(msg.Type, next.RetryCount)
	s.logger.Warn("delivery retry scheduled",
		"notification_id", msg.NotificationID,
		"retry_count", next.RetryCount,
		"delay_ms", delay.Milliseconds(),
		"queue", queueName,
		"error", errString(cause),
	)
	return Outcome{Action: ActionRetried, Attempt: next.RetryCount, Delay: delay}, nil
}

func (s *Scheduler) deadLetter(ctx context.Context, msg types.QueueMessage, cause error, reason string) (Outcome, error) {
	dl, err := types.NewDeadLetter(msg, cause, reason, s.clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	if err := s.publisher.PublishDeadLetter(ctx, dl); err != nil {
		return Outcome{}, fmt.Errorf("dead-letter notification: %w", err)
	}

	s.metrics.DeadLettered(msg.Type, reason)
	s.logger.Error("notification dead-lettered",
		"notification_id", msg.NotificationID,
		"retry_count", msg.RetryCount,
		"reason", reason,
		"error", errString(cause),
	)
	return Outcome{Action: ActionDeadLettered, Attempt: msg.RetryCount, Reason: reason}, nil
}

// DeadLetterRaw dead-letters a payload that could not be decoded.
func (s *Scheduler) DeadLetterRaw(ctx context.Context, body []byte, cause error) error {
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return err
		}
		raw = quoted
	}

	dl := types.DeadLetter{
		Message:  raw,
		Error:    errString(cause),
		Reason:   types.ReasonUndecodable,
		FailedAt: s.clock.Now(),
	}
	if err := s.publisher.PublishDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter undecodable message: %w", err)
	}
	s.logger.Error("undecodable message dead-lettered", "error", dl.Error)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
