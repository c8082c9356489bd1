package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Exchange is a durable, non-auto-delete exchange.
type Exchange struct {
	Name string
	Kind string
}

// Queue types accepted by Queue.Type.
const (
	QueueClassic = "classic"
	QueueQuorum  = "quorum"
)

// Queue is a durable, non-exclusive, non-auto-delete queue.
type Queue struct {
	Name               string
	DeadLetterExchange string
	// Type is the x-queue-type argument ("classic" or "quorum"). Empty leaves
	// the broker default.
	Type string
}

func (q Queue) args() amqp.Table {
	args := amqp.Table{}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.Type != "" {
		args["x-queue-type"] = q.Type
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Binding routes RoutingKey on Exchange to Queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of exchanges, queues and bindings a process
// declares at startup. Publisher and consumers declare the same value so
// whichever starts first creates it.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Declare declares every exchange, then every queue, then every binding.
// Re-declaring with identical arguments is a no-op on the broker.
func (t Topology) Declare(ch Declarer) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare exchange %s: %v", ErrBrokerUnavailable, ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.args()); err != nil {
			return fmt.Errorf("%w: declare queue %s: %v", ErrBrokerUnavailable, q.Name, err)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind %s to %s (%s): %v", ErrBrokerUnavailable, b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}

// WithQueueType returns a copy of t with every queue declared as kind.
func (t Topology) WithQueueType(kind string) Topology {
	out := Topology{
		Exchanges: append([]Exchange(nil), t.Exchanges...),
		Queues:    make([]Queue, len(t.Queues)),
		Bindings:  append([]Binding(nil), t.Bindings...),
	}
	for i, q := range t.Queues {
		q.Type = kind
		out.Queues[i] = q
	}
	return out
}

// HasQueue reports whether t declares a queue named name.
func (t Topology) HasQueue(name string) bool {
	for _, q := range t.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}
