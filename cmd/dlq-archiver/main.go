// Package main is the entry point for the dead-letter archiver.
//
// The archiver consumes failed.queue and persists every record to Postgres so
// operators can inspect and replay them through the API. failed.queue carries
// three shapes: dead letters from the retry scheduler, failed-publish
// envelopes from the publisher fallback, and messages the broker itself
// dead-lettered (x-death). All three are normalized to one archive row.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/bootstrap"
	"courier/internal/db"
	"courier/internal/queue"
	"courier/internal/types"
)

// Reasons for records that did not come from the retry scheduler.
const (
	reasonPublishFailed = "publish_failed"
	reasonBrokerPrefix  = "broker_"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ArchiveStore persists archive rows.
type ArchiveStore interface {
	Insert(ctx context.Context, rec types.ArchivedDeadLetter) error
}

// Archiver turns failed.queue deliveries into archive rows.
type Archiver struct {
	store  ArchiveStore
	clock  types.Clock
	logger types.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(store ArchiveStore, clock types.Clock, logger types.Logger) *Archiver {
	return &Archiver{store: store, clock: clock, logger: logger}
}

// Handle implements queue.Handler. The AMQP message id, or the dead letter's
// derived ID when the publisher set none, is the archive id, so broker
// redeliveries do not duplicate rows. A store failure nacks the delivery for
// redelivery.
func (a *Archiver) Handle(ctx context.Context, d amqp.Delivery) error {
	dl := decodeDeadLetter(d)
	id := d.MessageId
	if id == "" {
		id = dl.ID()
	}

	rec := types.NewArchivedDeadLetter(id, dl, a.clock.Now())
	if err := a.store.Insert(ctx, rec); err != nil {
		a.logger.Error("failed to archive dead letter", "id", id, "error", err.Error())
		return err
	}

	a.logger.Info("dead letter archived",
		"id", id,
		"notification_id", rec.NotificationID,
		"notification_type", string(rec.Type),
		"reason", rec.Reason,
	)
	return nil
}

// decodeDeadLetter normalizes any failed.queue body into a DeadLetter.
func decodeDeadLetter(d amqp.Delivery) types.DeadLetter {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &fields); err != nil {
		return types.DeadLetter{
			Message: rawString(d.Body),
			Error:   "undecodable dead letter: " + err.Error(),
			Reason:  types.ReasonUndecodable,
		}
	}

	if _, ok := fields["message"]; ok {
		var dl types.DeadLetter
		if err := json.Unmarshal(d.Body, &dl); err == nil && len(dl.Message) > 0 {
			return dl
		}
	}

	if _, ok := fields["original_queue"]; ok {
		var fp types.FailedPublish
		if err := json.Unmarshal(d.Body, &fp); err == nil {
			return types.DeadLetter{
				Message: json.RawMessage(d.Body),
				Error:   fp.Error,
				Reason:  reasonPublishFailed,
			}
		}
	}

	// Dead-lettered by the broker: the body is the original message.
	dl := types.DeadLetter{Message: json.RawMessage(d.Body), Reason: types.ReasonUndecodable}
	if reason, queueName, ok := xDeath(d.Headers); ok {
		dl.Reason = reasonBrokerPrefix + reason
		dl.Error = fmt.Sprintf("dead-lettered by broker from %s: %s", queueName, reason)
	}
	return dl
}

// xDeath returns the reason and queue of the most recent x-death entry.
func xDeath(headers amqp.Table) (reason, queueName string, ok bool) {
	deaths, _ := headers["x-death"].([]interface{})
	if len(deaths) == 0 {
		return "", "", false
	}
	entry, _ := deaths[0].(amqp.Table)
	reason, _ = entry["reason"].(string)
	queueName, _ = entry["queue"].(string)
	return reason, queueName, reason != ""
}

// rawString wraps a non-JSON body as a JSON string so it stays queryable.
func rawString(body []byte) json.RawMessage {
	b, _ := json.Marshal(string(body))
	return b
}

func run() error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger := bootstrap.NewLogger(cfg.LogLevel)
	appLogger := types.NewSlogAdapter(logger)
	logger.Info("courier dlq-archiver starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	dsn := cfg.Database.URL.Unmask()
	if dsn == "" {
		return errors.New("DATABASE_URL is required for the dlq-archiver")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn, db.PoolConfig{
		MaxConns:        int32(cfg.Database.MaxConns),
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	conn, err := queue.Dial(cfg.RabbitMQ.URL.Unmask(), appLogger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(ch, cfg.NotificationTypes()); err != nil {
		return err
	}

	archiver := NewArchiver(db.NewDeadLetterRepository(pool), types.RealClock{}, appLogger)
	consumer := queue.NewConsumer(ch, queue.ConsumerConfig{
		Queue:    types.DeadLetterQueue,
		Role:     queue.RolePrimary,
		Prefetch: cfg.Consumer.Prefetch,
		Workers:  cfg.Consumer.Workers,
	}, archiver.Handle, appLogger)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	logger.Info("dlq-archiver stopped cleanly")
	return nil
}
