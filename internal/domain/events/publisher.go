package events

import (
	"context"
	"fmt"

	"github.com/ehr/eventpipe/internal/platform/broker"
)

// Sender publishes raw messages. *broker.Publisher implements it.
type Sender interface {
	Publish(ctx context.Context, msg broker.Message) error
}

// Publisher encodes events and hands them to a Sender. The per-kind methods
// fix the exchange and routing key so callers cannot mistype them.
type Publisher struct {
	sender Sender
}

func NewPublisher(s Sender) *Publisher {
	return &Publisher{sender: s}
}

// PublishTo encodes e and publishes it on exchange with routingKey. It fails
// with ErrSerialization or broker.ErrBrokerUnavailable.
func (p *Publisher) PublishTo(ctx context.Context, exchange, routingKey string, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return p.sender.Publish(ctx, broker.Message{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Body:          body,
		CorrelationID: correlationID(e),
	})
}

// Publish routes e by its kind.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrSerialization)
	}
	k := e.Kind()
	return p.PublishTo(ctx, k.Exchange(), k.RoutingKey(), e)
}

func (p *Publisher) PublishAppointmentCreated(ctx context.Context, e AppointmentCreated) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishAppointmentUpdated(ctx context.Context, e AppointmentUpdated) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishAppointmentCancelled(ctx context.Context, e AppointmentCancelled) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishPaymentInitiated(ctx context.Context, e PaymentInitiated) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishPaymentProcessed(ctx context.Context, e PaymentProcessed) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishPaymentFailed(ctx context.Context, e PaymentFailed) error {
	return p.Publish(ctx, e)
}

func (p *Publisher) PublishRefundProcessed(ctx context.Context, e RefundProcessed) error {
	return p.Publish(ctx, e)
}

// correlationID prefers the payment session id and falls back to the subject.
func correlationID(e Event) string {
	switch v := e.(type) {
	case PaymentInitiated:
		if v.SessionID != "" {
			return v.SessionID
		}
	case PaymentProcessed:
		if v.SessionID != "" {
			return v.SessionID
		}
	case PaymentFailed:
		if v.SessionID != "" {
			return v.SessionID
		}
	}
	if e.Kind().Exchange() == ExchangeBilling {
		return fmt.Sprintf("billing-%d", e.SubjectID())
	}
	return fmt.Sprintf("appointment-%d", e.SubjectID())
}
