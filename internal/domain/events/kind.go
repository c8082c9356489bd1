package events

import "fmt"

// Exchange and queue names shared with every publishing service.
const (
	ExchangeScheduling = "hospital.events"
	ExchangeBilling    = "billing.events"

	QueueAppointmentNotifications = "appointment.notifications"
	QueueBillingNotifications     = "billing.notifications"
)

// Kind tags each event variant.
type Kind int

const (
	KindAppointmentCreated Kind = iota + 1
	KindAppointmentUpdated
	KindAppointmentCancelled
	KindPaymentInitiated
	KindPaymentProcessed
	KindPaymentFailed
	KindRefundProcessed
)

type kindInfo struct {
	name       string
	routingKey string
	exchange   string
	decode     func(body []byte) (Event, error)
}

var kinds = map[Kind]kindInfo{
	KindAppointmentCreated:   {"AppointmentCreated", "appointment.created", ExchangeScheduling, decodeAs[AppointmentCreated]},
	KindAppointmentUpdated:   {"AppointmentUpdated", "appointment.updated", ExchangeScheduling, decodeAs[AppointmentUpdated]},
	KindAppointmentCancelled: {"AppointmentCancelled", "appointment.cancelled", ExchangeScheduling, decodeAs[AppointmentCancelled]},
	KindPaymentInitiated:     {"PaymentInitiated", "payment.initiated", ExchangeBilling, decodeAs[PaymentInitiated]},
	KindPaymentProcessed:     {"PaymentProcessed", "payment.processed", ExchangeBilling, decodeAs[PaymentProcessed]},
	KindPaymentFailed:        {"PaymentFailed", "payment.failed", ExchangeBilling, decodeAs[PaymentFailed]},
	KindRefundProcessed:      {"RefundProcessed", "refund.processed", ExchangeBilling, decodeAs[RefundProcessed]},
}

var byRoutingKey = func() map[string]Kind {
	m := make(map[string]Kind, len(kinds))
	for k, info := range kinds {
		m[info.routingKey] = k
	}
	return m
}()

// queueFor maps each exchange to the notification queue that consumes it.
var queueFor = map[string]string{
	ExchangeScheduling: QueueAppointmentNotifications,
	ExchangeBilling:    QueueBillingNotifications,
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// RoutingKey is the literal {domain}.{event} key for k.
func (k Kind) RoutingKey() string { return kinds[k].routingKey }

// Exchange is the bounded-context exchange k is published on.
func (k Kind) Exchange() string { return kinds[k].exchange }

// Queue is the notification queue bound to k.
func (k Kind) Queue() string { return queueFor[kinds[k].exchange] }

// KindForRoutingKey resolves a routing key to its event kind.
func KindForRoutingKey(routingKey string) (Kind, bool) {
	k, ok := byRoutingKey[routingKey]
	return k, ok
}

// Kinds lists every event kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := KindAppointmentCreated; k <= KindRefundProcessed; k++ {
		out = append(out, k)
	}
	return out
}

// KindsForQueue lists the kinds whose routing keys are bound to queue.
func KindsForQueue(queue string) []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if k.Queue() == queue {
			out = append(out, k)
		}
	}
	return out
}
