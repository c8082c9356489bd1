// Package pipeline connects broker deliveries to notification processing and
// decides how each delivery is resolved.
package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/domain/notification"
	"github.com/ehr/eventpipe/internal/platform/broker"
)

// EventProcessor turns one decoded event into persisted notifications.
// *notification.Processor satisfies it.
type EventProcessor interface {
	Process(ctx context.Context, e events.Event) ([]*notification.Notification, error)
}

// Dispatcher is the broker.Handler for the notification queues.
//
//   - unknown routing key or undecodable body: DeadLetter
//   - processing error (contact lookup, persistence): Requeue
//   - otherwise Ack, including when delivery on a channel failed
type Dispatcher struct {
	proc   EventProcessor
	logger zerolog.Logger
}

var _ broker.Handler = (*Dispatcher)(nil)

func NewDispatcher(proc EventProcessor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{proc: proc, logger: logger.With().Str("component", "dispatcher").Logger()}
}

func (d *Dispatcher) Handle(ctx context.Context, del amqp.Delivery) broker.Outcome {
	log := d.logger.With().
		Str("routing_key", del.RoutingKey).
		Str("message_id", del.MessageId).
		Uint64("delivery_tag", del.DeliveryTag).
		Logger()

	e, err := events.Decode(del.RoutingKey, del.Body)
	if err != nil {
		if errors.Is(err, events.ErrUnknownRoutingKey) {
			log.Warn().Msg("no event kind for routing key, dead-lettering")
		} else {
			log.Warn().Err(err).Msg("malformed event body, dead-lettering")
		}
		return broker.DeadLetter
	}

	ns, err := d.proc.Process(ctx, e)
	if err != nil {
		log.Error().Err(err).Int64("subject_id", e.SubjectID()).Msg("event processing failed")
		return broker.Requeue
	}

	for _, n := range ns {
		log.Debug().
			Str("notification_id", n.ID.String()).
			Str("channel", n.ChannelType).
			Str("status", string(n.Status)).
			Msg("notification processed")
	}
	return broker.Ack
}
