// Package broker owns the RabbitMQ connection and implements the topology
// declaration, the serialized publisher and the consumer dispatch loop.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/ehr/eventpipe/internal/platform/retry"
)

var (
	// ErrBrokerUnavailable is returned when the broker cannot accept a
	// declaration, a publish or a subscription.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrClosed is returned by a Publisher after Close.
	ErrClosed = errors.New("broker: publisher closed")
)

// Declarer is the part of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// PublishChannel is the part of *amqp.Channel used by Publisher.
type PublishChannel interface {
	Declarer
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConsumeChannel is the part of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// DialConfig controls how Dial reaches the broker.
type DialConfig struct {
	URL            string
	Attempts       int
	Heartbeat      time.Duration
	ConnectionName string
}

// Connection is the process-wide broker connection. It is opened once at
// startup, handed to the publisher and consumers, and closed on shutdown.
type Connection struct {
	conn   *amqp.Connection
	logger zerolog.Logger
}

// Dial connects to the broker, retrying with backoff.
func Dial(ctx context.Context, cfg DialConfig, logger zerolog.Logger) (*Connection, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	logger = logger.With().Str("component", "broker").Logger()

	var conn *amqp.Connection
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:    cfg.Attempts,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		JitterFactor:   0.2,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("broker dial failed, retrying")
		},
	}, func(context.Context) error {
		c, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat:  cfg.Heartbeat,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": cfg.ConnectionName},
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrBrokerUnavailable, err)
	}

	logger.Info().Str("connection_name", cfg.ConnectionName).Msg("connected to broker")
	return &Connection{conn: conn, logger: logger}, nil
}

// Channel opens a new channel. The publisher holds one for the life of the
// process; each consumer holds its own.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}
	return ch, nil
}

// NotifyClose reports an unexpected connection loss.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	c.logger.Info().Msg("closing broker connection")
	return c.conn.Close()
}
