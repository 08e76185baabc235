package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"courier/internal/metrics"
	"courier/internal/tracing"
	"courier/internal/types"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Role selects consumer behaviour.
type Role string

const (
	// RolePrimary processes deliveries as soon as they arrive.
	RolePrimary Role = "primary"
	// RoleRetry holds each delivery until its x-retry-at time.
	RoleRetry Role = "retry"
)

// Consumer defaults applied to zero ConsumerConfig fields.
const (
	// DefaultPrefetch is the broker-side QoS window per channel.
	DefaultPrefetch = 16
	// DefaultWorkers is the number of concurrent handler goroutines.
	DefaultWorkers = 8
	// DefaultDrainTimeout bounds how long shutdown spends requeueing
	// buffered deliveries.
	DefaultDrainTimeout = 5 * time.Second
	// DefaultRequeueDelay is the pause before the first failed delivery is
	// handed back to the broker. It doubles per consecutive failure up to
	// DefaultRequeueMaxDelay.
	DefaultRequeueDelay    = time.Second
	DefaultRequeueMaxDelay = 30 * time.Second
)

// ErrDeliveriesClosed is returned by Run when the broker closes the delivery
// stream without a shutdown having been requested.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// ConsumeChannel is the consume subset of *amqp.Channel.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Handler processes one delivery. A nil return acks it; an error nacks it
// with requeue.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue        string
	Role         Role
	Prefetch     int
	Workers      int
	DrainTimeout time.Duration
	// RequeueDelay and RequeueMaxDelay bound the backoff applied before a
	// failed delivery is nacked back onto its queue.
	RequeueDelay    time.Duration
	RequeueMaxDelay time.Duration
}

// Consumer pulls deliveries from one queue into a bounded worker pool.
type Consumer struct {
	ch      ConsumeChannel
	cfg     ConsumerConfig
	handler Handler
	logger  types.Logger
	metrics metrics.Recorder
	clock   types.Clock

	// failures counts consecutive handler failures across workers.
	failures atomic.Int32
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics sets the recorder for consume results and queue lag.
func WithConsumerMetrics(m metrics.Recorder) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithConsumerClock overrides the clock used for lag and retry-at checks.
func WithConsumerClock(clock types.Clock) ConsumerOption {
	return func(c *Consumer) { c.clock = clock }
}

// NewConsumer creates a Consumer. Zero config values take the defaults.
func NewConsumer(ch ConsumeChannel, cfg ConsumerConfig, h Handler, logger types.Logger, opts ...ConsumerOption) *Consumer {
	if cfg.Role == "" {
		cfg.Role = RolePrimary
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.RequeueMaxDelay < cfg.RequeueDelay {
		cfg.RequeueMaxDelay = max(DefaultRequeueMaxDelay, cfg.RequeueDelay)
	}
	c := &Consumer{
		ch:      ch,
		cfg:     cfg,
		handler: h,
		logger:  logger.With("queue", cfg.Queue, "role", string(cfg.Role)),
		metrics: metrics.Noop{},
		clock:   types.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the broker closes the stream. On
// cancellation it stops the subscription, requeues buffered deliveries that
// were never started and waits for in-flight handlers before returning.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", c.cfg.Queue, err)
	}

	tag := fmt.Sprintf("courier-%s-%s", c.cfg.Queue, uuid.NewString())
	deliveries, err := c.ch.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch, "workers", c.cfg.Workers)

	var g errgroup.Group
	sem := semaphore.NewWeighted(int64(c.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			c.drain(tag, deliveries)
			_ = g.Wait()
			c.logger.Info("consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				c.requeue(d)
				continue
			}
			g.Go(func() error {
				defer sem.Release(1)
				c.process(ctx, d)
				return nil
			})
		}
	}
}

func (c *Consumer) requeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Warn("requeue delivery", "error", err.Error())
	}
}

func (c *Consumer) drain(tag string, deliveries <-chan amqp.Delivery) {
	if err := c.ch.Cancel(tag, false); err != nil {
		c.logger.Warn("cancel consumer", "error", err.Error())
	}

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()

	requeued := 0
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("drained buffered deliveries", "requeued", requeued)
				return
			}
			c.requeue(d)
			requeued++
		case <-timer.C:
			c.logger.Warn("drain timed out", "requeued", requeued)
			return
		}
	}
}

// process runs the handler for one delivery. ctx only gates the retry delay;
// the handler runs on a context that survives shutdown.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	if c.cfg.Role == RoleRetry {
		if !c.waitUntilDue(ctx, d) {
			c.requeue(d)
			return
		}
	}

	start := c.clock.Now()
	if !d.Timestamp.IsZero() {
		c.metrics.QueueLag(c.cfg.Queue, start.Sub(d.Timestamp))
	}

	hctx := tracing.Extract(context.WithoutCancel(ctx), d.Headers)
	hctx, span := tracing.Tracer().Start(hctx, "consume "+c.cfg.Queue)
	defer span.End()

	logger := c.logger.With(
		"notification_id", headerString(d.Headers, HeaderNotificationID),
		"correlation_id", headerString(d.Headers, HeaderCorrelationID),
		"retry_count", RetryCount(d.Headers),
	)
	hctx = types.WithLogger(hctx, logger)
	if cid := headerString(d.Headers, HeaderCorrelationID); cid != "" {
		hctx = types.WithCorrelationID(hctx, cid)
	}

	err := c.safeHandle(hctx, d)
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		span.RecordError(err)
		c.metrics.MessageConsumed(c.cfg.Queue, metrics.ResultFailed, elapsed)
		delay := c.requeueDelay(c.failures.Add(1))
		logger.Error("handler failed, requeueing after backoff", "error", err.Error(), "delay", delay.String())
		c.pause(ctx, delay)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("nack failed", "error", nackErr.Error())
		}
		return
	}

	c.failures.Store(0)
	c.metrics.MessageConsumed(c.cfg.Queue, metrics.ResultSuccess, elapsed)
	if ackErr := d.Ack(false); ackErr != nil {
		logger.Error("ack failed", "error", ackErr.Error())
	}
}

// requeueDelay is the backoff after the n-th consecutive failure.
func (c *Consumer) requeueDelay(n int32) time.Duration {
	d := c.cfg.RequeueDelay
	for i := int32(1); i < n && d < c.cfg.RequeueMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.cfg.RequeueMaxDelay)
}

// pause holds the worker slot for d so a failing dependency is not hammered
// by immediate redeliveries. Shutdown cuts it short.
func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) safeHandle(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.handler(ctx, d)
}

// waitUntilDue blocks until the delivery's retry time. It reports false when
// ctx ends first.
func (c *Consumer) waitUntilDue(ctx context.Context, d amqp.Delivery) bool {
	at, ok := RetryAt(d.Headers)
	if !ok {
		return true
	}
	wait := at.Sub(c.clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
