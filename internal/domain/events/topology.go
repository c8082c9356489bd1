package events

import (
	"github.com/streadway/amqp"

	"github.com/ehr/eventpipe/internal/platform/broker"
)

// DeadLetterExchange names the fanout exchange that receives messages
// rejected from queues fed by exchange.
func DeadLetterExchange(exchange string) string { return exchange + ".dlx" }

// DeadLetterQueue names the queue holding messages dead-lettered from queue.
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// Topology is the broker layout shared by publishers and consumers: one
// topic exchange per bounded context, one notification queue per exchange
// with a literal binding per event kind, and a dead-letter exchange and
// queue behind each notification queue.
func Topology() broker.Topology {
	var t broker.Topology
	for _, ex := range []string{ExchangeScheduling, ExchangeBilling} {
		q := queueFor[ex]
		dlx := DeadLetterExchange(ex)

		t.Exchanges = append(t.Exchanges,
			broker.Exchange{Name: ex, Kind: amqp.ExchangeTopic},
			broker.Exchange{Name: dlx, Kind: amqp.ExchangeFanout},
		)
		t.Queues = append(t.Queues,
			broker.Queue{Name: q, DeadLetterExchange: dlx},
			broker.Queue{Name: DeadLetterQueue(q)},
		)
		for _, k := range KindsForQueue(q) {
			t.Bindings = append(t.Bindings, broker.Binding{Queue: q, Exchange: ex, RoutingKey: k.RoutingKey()})
		}
		t.Bindings = append(t.Bindings, broker.Binding{Queue: DeadLetterQueue(q), Exchange: dlx})
	}
	return t
}

// NotificationQueues lists the queues a consumer process can subscribe to.
func NotificationQueues() []string {
	return []string{QueueAppointmentNotifications, QueueBillingNotifications}
}
