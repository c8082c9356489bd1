package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/eventpipe/internal/platform/metrics"
	"github.com/ehr/eventpipe/internal/platform/tracing"
)

// State is the lifecycle position of a Consumer.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateConsuming
	StateProcessing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is how a handled delivery is resolved on the broker.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue nacks with requeue=true so the broker redelivers it.
	Requeue
	// DeadLetter nacks with requeue=false; the queue's dead-letter exchange
	// receives it.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Handler processes one delivery. It must not ack or nack; the Consumer
// resolves the delivery from the returned Outcome.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) Outcome

func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) Outcome { return f(ctx, d) }

// ConsumerConfig tunes one queue consumer.
type ConsumerConfig struct {
	Queue    string
	Tag      string
	Prefetch int
	Workers  int
	// MaxDeliveries dead-letters a message that would be requeued once it has
	// been delivered this many times. Zero disables the bound.
	MaxDeliveries int
	GracePeriod   time.Duration
}

// Consumer runs the dispatch loop for one queue.
type Consumer struct {
	ch       ConsumeChannel
	topo     Topology
	cfg      ConsumerConfig
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	state    atomic.Int32
	inFlight atomic.Int32
	seen     *redeliveries
}

// NewConsumer returns a Consumer for cfg.Queue. It owns ch and closes it when
// Run returns.
func NewConsumer(ch ConsumeChannel, topo Topology, cfg ConsumerConfig, h Handler, logger zerolog.Logger, m *metrics.Collector) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	if cfg.Tag == "" {
		cfg.Tag = cfg.Queue + "-consumer"
	}
	if m == nil {
		m = metrics.New()
	}
	return &Consumer{
		ch:      ch,
		topo:    topo,
		cfg:     cfg,
		handler: h,
		logger:  logger.With().Str("component", "consumer").Str("queue", cfg.Queue).Logger(),
		metrics: m,
		tracer:  tracing.Tracer(),
		seen:    newRedeliveries(maxTrackedMessages),
	}
}

// State reports the current lifecycle state. A consuming loop with at least
// one delivery in a handler reports StateProcessing.
func (c *Consumer) State() State {
	s := State(c.state.Load())
	if s == StateConsuming && c.inFlight.Load() > 0 {
		return StateProcessing
	}
	return s
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug().Str("state", s.String()).Msg("consumer state")
}

// Run declares the topology, subscribes and dispatches deliveries to a
// bounded pool of workers until ctx is cancelled or the delivery stream
// ends. On cancellation it stops the subscription and waits up to the grace
// period for in-flight handlers before closing the channel. A lost delivery
// stream returns an error wrapping ErrBrokerUnavailable.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	defer c.closeChannel()

	if err := c.topo.Declare(c.ch); err != nil {
		return err
	}
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("%w: qos: %v", ErrBrokerUnavailable, err)
	}
	c.setState(StateConnected)

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %v", ErrBrokerUnavailable, c.cfg.Queue, err)
	}
	c.setState(StateConsuming)
	c.logger.Info().Int("workers", c.cfg.Workers).Int("prefetch", c.cfg.Prefetch).Msg("consuming")

	// Handlers get a context that survives shutdown so in-flight work can
	// finish inside the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	streamEnded := make(chan struct{})
	var endOnce sync.Once
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						endOnce.Do(func() { close(streamEnded) })
						return
					}
					c.process(workCtx, d)
				}
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info().Msg("shutdown requested, cancelling subscription")
		if err := c.ch.Cancel(c.cfg.Tag, false); err != nil {
			c.logger.Warn().Err(err).Msg("cancel subscription")
		}
	case <-streamEnded:
		runErr = fmt.Errorf("%w: delivery stream for %s closed", ErrBrokerUnavailable, c.cfg.Queue)
		c.logger.Error().Err(runErr).Msg("consumer lost its channel")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn().
			Int32("in_flight", c.inFlight.Load()).
			Dur("grace_period", c.cfg.GracePeriod).
			Msg("grace period elapsed, abandoning in-flight deliveries")
		cancelWork()
	}
	return runErr
}

func (c *Consumer) closeChannel() {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn().Err(err).Msg("close channel")
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.metrics.IncReceived()

	ctx, span := c.tracer.Start(tracing.Extract(ctx, d.Headers), "process "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", c.cfg.Queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", d.MessageId),
		))
	defer span.End()

	log := c.logger.With().
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Uint64("delivery_tag", d.DeliveryTag).
		Logger()

	outcome := c.handle(ctx, d, log)
	if outcome == Requeue && c.cfg.MaxDeliveries > 0 {
		n := DeliveryCount(d)
		if local := c.seen.requeued(d.MessageId); local > n {
			n = local
		}
		if n >= c.cfg.MaxDeliveries {
			log.Warn().Int("deliveries", n).Int("max_deliveries", c.cfg.MaxDeliveries).
				Msg("delivery limit reached, dead-lettering")
			outcome = DeadLetter
		}
	}
	if outcome != Requeue {
		c.seen.forget(d.MessageId)
	}
	if outcome != Ack {
		span.SetStatus(codes.Error, outcome.String())
	}
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	c.resolve(d, outcome, log)
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, log zerolog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("handler panicked, requeueing")
			out = Requeue
		}
	}()
	return c.handler.Handle(ctx, d)
}

// resolve acks or nacks exactly the delivery tag it was given.
func (c *Consumer) resolve(d amqp.Delivery, o Outcome, log zerolog.Logger) {
	var err error
	switch o {
	case Ack:
		err = d.Ack(false)
		c.metrics.IncAcked()
	case Requeue:
		err = d.Nack(false, true)
		c.metrics.IncRequeued()
	default:
		err = d.Nack(false, false)
		c.metrics.IncDeadLettered()
	}
	if err != nil {
		log.Error().Err(err).Str("outcome", o.String()).Msg("resolve delivery")
		return
	}
	log.Debug().Str("outcome", o.String()).Msg("delivery resolved")
}

// DeliveryCount reports how many times d has been delivered, this delivery
// included. Quorum queues report x-delivery-count; dead-letter cycles report
// x-death; classic queues only expose the redelivered flag.
func DeliveryCount(d amqp.Delivery) int {
	if n, ok := toInt(d.Headers["x-delivery-count"]); ok {
		return n + 1
	}
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if n, ok := toInt(death["count"]); ok {
				return n + 1
			}
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

const maxTrackedMessages = 10000

// redeliveries counts requeues per message id seen by this process. Classic
// queues carry no delivery count beyond the redelivered flag, so this is what
// bounds a message that keeps failing there.
type redeliveries struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newRedeliveries(limit int) *redeliveries {
	return &redeliveries{limit: limit, counts: map[string]int{}}
}

// requeued records one more delivery of id and returns how many this process
// has handled, this one included. Messages without an id are not tracked.
func (r *redeliveries) requeued(id string) int {
	if id == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counts[id]; !ok && len(r.counts) >= r.limit {
		r.counts = map[string]int{}
	}
	r.counts[id]++
	return r.counts[id]
}

func (r *redeliveries) forget(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.counts, id)
	r.mu.Unlock()
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	}
	return 0, false
}
