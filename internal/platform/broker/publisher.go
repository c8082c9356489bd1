package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/eventpipe/internal/platform/metrics"
	"github.com/ehr/eventpipe/internal/platform/tracing"
)

// Message is one outgoing publish.
type Message struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	CorrelationID string
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithAppID sets the AMQP app-id property on every message.
func WithAppID(id string) PublisherOption {
	return func(p *Publisher) { p.appID = id }
}

// WithPublisherMetrics records publishes on m.
func WithPublisherMetrics(m *metrics.Collector) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// Publisher writes messages on one shared channel. The channel is not safe
// for concurrent use, so every publish holds mu.
type Publisher struct {
	mu      sync.Mutex
	ch      PublishChannel
	closed  bool
	appID   string
	logger  zerolog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPublisher declares topo on ch and returns a Publisher that owns ch.
func NewPublisher(ch PublishChannel, topo Topology, logger zerolog.Logger, opts ...PublisherOption) (*Publisher, error) {
	if err := topo.Declare(ch); err != nil {
		return nil, err
	}
	p := &Publisher{
		ch:      ch,
		logger:  logger.With().Str("component", "publisher").Logger(),
		metrics: metrics.New(),
		tracer:  tracing.Tracer(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Publish sends msg as a persistent JSON message with a fresh message id and
// a UTC timestamp.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "publish "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", msg.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
		))
	defer span.End()

	headers := amqp.Table{}
	tracing.Inject(ctx, headers)

	pub := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     uuid.NewString(),
		Timestamp:     p.now().UTC(),
		Type:          msg.RoutingKey,
		AppId:         p.appID,
		Body:          msg.Body,
	}
	span.SetAttributes(attribute.String("messaging.message.id", pub.MessageId))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		span.SetStatus(codes.Error, ErrClosed.Error())
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, ErrClosed)
	}
	if err := p.ch.Publish(msg.Exchange, msg.RoutingKey, false, false, pub); err != nil {
		p.metrics.IncPublishError()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error().Err(err).
			Str("exchange", msg.Exchange).
			Str("routing_key", msg.RoutingKey).
			Msg("publish failed")
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, msg.RoutingKey, err)
	}

	p.metrics.IncPublished()
	p.logger.Debug().
		Str("exchange", msg.Exchange).
		Str("routing_key", msg.RoutingKey).
		Str("message_id", pub.MessageId).
		Msg("published")
	return nil
}

// Close closes the publisher channel. Later publishes fail with ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ch.Close()
}
