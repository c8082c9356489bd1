package broker

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
)

type declaredExchange struct {
	kind                          string
	durable, autoDelete, internal bool
}

type declaredQueue struct {
	durable, autoDelete, exclusive bool
	args                           amqp.Table
}

type publishCall struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeChannel emulates broker-side declaration semantics: re-declaring with
// the same arguments is accepted, conflicting arguments fail.
type fakeChannel struct {
	mu           sync.Mutex
	exchanges    map[string]declaredExchange
	queues       map[string]declaredQueue
	bindings     map[Binding]int
	declareCalls int

	publishing atomic.Int32
	overlapped atomic.Bool
	published  []publishCall
	publishErr error

	qos        int
	deliveries chan amqp.Delivery
	consumeErr error
	cancelled  atomic.Bool
	closed     atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  map[string]declaredExchange{},
		queues:     map[string]declaredQueue{},
		bindings:   map[Binding]int{},
		deliveries: make(chan amqp.Delivery, 64),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declareCalls++
	want := declaredExchange{kind: kind, durable: durable, autoDelete: autoDelete, internal: internal}
	if got, ok := f.exchanges[name]; ok && got != want {
		return fmt.Errorf("PRECONDITION_FAILED - inequivalent arg for exchange %s", name)
	}
	f.exchanges[name] = want
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declareCalls++
	want := declaredQueue{durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	if got, ok := f.queues[name]; ok && !reflect.DeepEqual(got, want) {
		return amqp.Queue{}, fmt.Errorf("PRECONDITION_FAILED - inequivalent arg for queue %s", name)
	}
	f.queues[name] = want
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declareCalls++
	if _, ok := f.exchanges[exchange]; !ok {
		return fmt.Errorf("NOT_FOUND - no exchange %s", exchange)
	}
	if _, ok := f.queues[name]; !ok {
		return fmt.Errorf("NOT_FOUND - no queue %s", name)
	}
	f.bindings[Binding{Queue: name, Exchange: exchange, RoutingKey: key}] = 1
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishing.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.publishing.Add(-1)
	time.Sleep(100 * time.Microsecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetch
	return nil
}

func (f *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if autoAck {
		return nil, errors.New("consumer must not auto-ack")
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.cancelled.Store(true)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeChannel) publishedCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.published...)
}

type ackRecord struct {
	tag      uint64
	method   string
	multiple bool
	requeue  bool
}

// fakeAcknowledger records how each delivery tag was resolved.
type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.add(ackRecord{tag: tag, method: "ack", multiple: multiple})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.add(ackRecord{tag: tag, method: "nack", multiple: multiple, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.add(ackRecord{tag: tag, method: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) add(r ackRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
}

func (a *fakeAcknowledger) snapshot() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}

func (a *fakeAcknowledger) byTag() map[uint64][]ackRecord {
	out := map[uint64][]ackRecord{}
	for _, r := range a.snapshot() {
		out[r.tag] = append(out[r.tag], r)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
