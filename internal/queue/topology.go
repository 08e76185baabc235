// Package queue publishes and consumes notification envelopes over RabbitMQ.
//
// Topology: one durable direct exchange (types.ExchangeName) with every queue
// bound under its own name, so the routing key is always the queue name.
// Primary queues dead-letter broker-side rejections into types.DeadLetterQueue.
package queue

import (
	"fmt"

	"courier/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the topology subset of *amqp.Channel.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology idempotently declares the exchange, failed.queue and the
// primary and retry queue of every notification type.
func DeclareTopology(ch Declarer, notificationTypes []types.NotificationType) error {
	if err := ch.ExchangeDeclare(types.ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := declareBound(ch, types.DeadLetterQueue, nil); err != nil {
		return err
	}

	for _, t := range notificationTypes {
		dlx := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": types.DeadLetterQueue,
		}
		if err := declareBound(ch, t.PrimaryQueue(), dlx); err != nil {
			return err
		}
		if err := declareBound(ch, t.RetryQueue(), dlx); err != nil {
			return err
		}
	}
	return nil
}

func declareBound(ch Declarer, queue string, args amqp.Table) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, types.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}
