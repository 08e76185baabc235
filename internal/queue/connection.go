package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"courier/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrConnectionClosed is returned once the broker connection has gone away.
var ErrConnectionClosed = errors.New("amqp connection closed")

// Connection owns one AMQP connection for the life of a process. Each
// publisher and consumer opens its own channel from it.
type Connection struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	logger types.Logger
}

// Dial connects to url and starts logging unexpected closes.
func Dial(url string, logger types.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	c := &Connection{conn: conn, logger: logger}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			logger.Error("rabbitmq connection closed", "code", amqpErr.Code, "reason", amqpErr.Reason)
		}
	}()
	return c, nil
}

// Channel opens a new channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn.Channel()
}

// ConfirmChannel opens a channel in publisher-confirm mode.
func (c *Connection) ConfirmChannel() (*amqp.Channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return ch, nil
}

// ChannelOpener opens plain and confirm-mode channels. *Connection
// implements it.
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
	ConfirmChannel() (*amqp.Channel, error)
}

// OpenPublishChannel opens the channel a Publisher writes to, in confirm
// mode when confirm is set.
func OpenPublishChannel(o ChannelOpener, confirm bool) (*amqp.Channel, error) {
	if confirm {
		return o.ConfirmChannel()
	}
	return o.Channel()
}

// Check implements the health probe contract.
func (c *Connection) Check(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

// Close closes the connection and every channel opened from it.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Name identifies the connection in health reports.
func (c *Connection) Name() string { return "rabbitmq" }
