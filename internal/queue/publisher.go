package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/internal/breaker"
	"courier/internal/metrics"
	"courier/internal/tracing"
	"courier/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPublishTimeout bounds a single publish including its broker confirm.
const DefaultPublishTimeout = 5 * time.Second

// ErrNacked is returned when the broker negatively confirms a publish.
var ErrNacked = errors.New("publish not confirmed by broker")

// PublishChannel is the publish subset of *amqp.Channel. A nil confirmation
// means the channel is not in confirm mode.
type PublishChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// Publisher sends envelopes to the notifications exchange through a circuit
// breaker. It owns its channel; calls are serialized.
type Publisher struct {
	mu      sync.Mutex
	ch      PublishChannel
	breaker *breaker.Breaker
	logger  types.Logger
	metrics metrics.Recorder
	clock   types.Clock
	timeout time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMetrics sets the recorder for publish results.
func WithMetrics(m metrics.Recorder) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithClock overrides the clock used for timestamps and retry-at headers.
func WithClock(c types.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// WithPublishTimeout bounds each publish and its confirm. Non-positive
// values keep DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPublisher creates a Publisher. b guards every primary publish.
func NewPublisher(ch PublishChannel, b *breaker.Breaker, logger types.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:      ch,
		breaker: b,
		logger:  logger,
		metrics: metrics.Noop{},
		clock:   types.RealClock{},
		timeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends msg to queueName. When the publish fails, a copy annotated
// with the error and original queue is sent to failed.queue on a best-effort
// basis and the original failure is returned.
func (p *Publisher) Publish(ctx context.Context, queueName string, msg types.QueueMessage) error {
	return p.publishMessage(ctx, queueName, msg, nil, true)
}

// PublishRetry sends msg to a retry queue. The retry consumer holds the
// message until delay has elapsed. A failed retry publish is not copied to
// failed.queue: the caller still holds the original delivery and requeues it.
func (p *Publisher) PublishRetry(ctx context.Context, queueName string, msg types.QueueMessage, delay time.Duration) error {
	extra := amqp.Table{
		HeaderDelay:   delay.Milliseconds(),
		HeaderRetryAt: p.clock.Now().Add(delay).UnixMilli(),
	}
	return p.publishMessage(ctx, queueName, msg, extra, false)
}

// PublishDeadLetter sends a terminal failure record to failed.queue. The
// message id is dl.ID(), so the archiver can drop redeliveries.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl types.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	headers := amqp.Table{}
	var msg types.QueueMessage
	if json.Unmarshal(dl.Message, &msg) == nil && msg.NotificationID != "" {
		headers = messageHeaders(msg)
	}
	if dl.Reason != "" {
		headers[HeaderFailureReason] = dl.Reason
	}
	tracing.Inject(ctx, headers)

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.send(ctx, types.DeadLetterQueue, body, headers, dl.ID())
	})
	p.metrics.MessagePublished(types.DeadLetterQueue, metrics.ResultOf(err))
	if err != nil {
		return brokerError(types.DeadLetterQueue, err)
	}
	return nil
}

func (p *Publisher) publishMessage(ctx context.Context, queueName string, msg types.QueueMessage, extra amqp.Table, withFallback bool) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	headers := messageHeaders(msg)
	for k, v := range extra {
		headers[k] = v
	}
	tracing.Inject(ctx, headers)

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.send(ctx, queueName, body, headers, msg.NotificationID)
	})
	p.metrics.MessagePublished(queueName, metrics.ResultOf(err))
	if err == nil {
		return nil
	}

	p.logger.Error("publish failed",
		"queue", queueName,
		"notification_id", msg.NotificationID,
		"correlation_id", msg.CorrelationID,
		"error", err.Error(),
	)
	if withFallback && queueName != types.DeadLetterQueue {
		p.fallback(ctx, queueName, msg, err)
	}
	return brokerError(queueName, err)
}

// fallback bypasses the breaker: it is the route taken when the breaker or
// the primary publish has already failed.
func (p *Publisher) fallback(ctx context.Context, queueName string, msg types.QueueMessage, cause error) {
	body, err := json.Marshal(types.FailedPublish{
		QueueMessage:  msg,
		Error:         cause.Error(),
		OriginalQueue: queueName,
	})
	if err != nil {
		p.logger.Error("marshal failed-publish envelope", "error", err.Error())
		return
	}

	headers := messageHeaders(msg)
	headers[HeaderOriginalQueue] = queueName

	err = p.send(context.WithoutCancel(ctx), types.DeadLetterQueue, body, headers, msg.NotificationID)
	p.metrics.MessagePublished(types.DeadLetterQueue, metrics.ResultOf(err))
	if err != nil {
		p.logger.Error("dead-letter fallback publish failed",
			"original_queue", queueName,
			"notification_id", msg.NotificationID,
			"error", err.Error(),
		)
		return
	}
	p.logger.Warn("message routed to dead-letter queue after publish failure",
		"original_queue", queueName,
		"notification_id", msg.NotificationID,
	)
}

func (p *Publisher) send(ctx context.Context, queueName string, body []byte, headers amqp.Table, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.clock.Now(),
		MessageId:    messageID,
		Headers:      headers,
		Body:         body,
	}
	if cid := headerString(headers, HeaderCorrelationID); cid != "" {
		pub.CorrelationId = cid
	}

	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, types.ExchangeName, queueName, false, false, pub)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", queueName, err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func messageHeaders(msg types.QueueMessage) amqp.Table {
	return amqp.Table{
		HeaderCorrelationID:  msg.CorrelationID,
		HeaderNotificationID: msg.NotificationID,
		HeaderRetryCount:     int64(msg.RetryCount),
		HeaderSchemaVersion:  int64(msg.SchemaVersion),
	}
}

func brokerError(queueName string, err error) error {
	if types.CodeOf(err, "") == types.ErrCodeCircuitOpen {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamBroker, "failed to publish to "+queueName, err)
}
