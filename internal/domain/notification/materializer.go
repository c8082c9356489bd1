package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/eventpipe/internal/domain/contact"
	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

const (
	displayDateLayout = "2006-01-02 15:04"
	placeholderDomain = "unknown.invalid"
)

// PlaceholderRecipient is the address used when the directory has no usable
// contact for a patient, or when the event names no patient (patientID 0).
// The .invalid TLD never resolves, so nothing can be delivered to it by
// accident.
func PlaceholderRecipient(patientID int64) string {
	return fmt.Sprintf("patient-%d@%s", patientID, placeholderDomain)
}

// Materializer builds Pending notifications from events. It performs no
// writes and no delivery.
type Materializer struct {
	contacts  contact.Lookup
	templates *TemplateEngine
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Collector
}

func NewMaterializer(contacts contact.Lookup, templates *TemplateEngine, logger zerolog.Logger, m *metrics.Collector) *Materializer {
	return &Materializer{
		contacts:  contacts,
		templates: templates,
		now:       time.Now,
		logger:    logger.With().Str("component", "materializer").Logger(),
		metrics:   m,
	}
}

// Materialize returns one Pending notification per channel type. A
// directory miss, or an event without a patient id, falls back to a
// placeholder recipient; any other lookup error is returned so the event can
// be retried.
func (m *Materializer) Materialize(ctx context.Context, e events.Event, channelTypes ...string) ([]*Notification, error) {
	patientID := e.RecipientID()
	var c *contact.Contact
	userID := ""
	if patientID > 0 {
		var err error
		c, err = m.contacts.Lookup(ctx, patientID)
		if err != nil && !errors.Is(err, contact.ErrNotFound) {
			return nil, fmt.Errorf("look up contact for patient %d: %w", patientID, err)
		}
		userID = strconv.FormatInt(patientID, 10)
	} else {
		m.logger.Warn().
			Str("event_type", e.Kind().RoutingKey()).
			Int64("subject_id", e.SubjectID()).
			Msg("event has no patient id")
	}

	data, meta := describe(e)
	if data["patientName"] == "" {
		data["patientName"] = "Patient"
		if c != nil && c.Name != "" {
			data["patientName"] = c.Name
		}
	}
	subject, body, err := m.templates.Render(e.Kind(), data)
	if err != nil {
		return nil, err
	}

	appointmentID, doctorName := legacyFields(e)
	created := m.now().UTC()
	out := make([]*Notification, 0, len(channelTypes))
	for _, ct := range channelTypes {
		md := make(Metadata, len(meta)+1)
		for k, v := range meta {
			md[k] = v
		}
		recipient := addressFor(c, ct)
		if recipient == "" {
			recipient = PlaceholderRecipient(patientID)
			md["placeholderRecipient"] = true
			m.metrics.IncPlaceholder()
			m.logger.Warn().
				Int64("patient_id", patientID).
				Str("channel", ct).
				Msg("no contact address, using placeholder recipient")
		}
		out = append(out, &Notification{
			ID:            uuid.New(),
			UserID:        userID,
			Recipient:     recipient,
			Subject:       subject,
			Content:       body,
			ChannelType:   ct,
			Status:        StatusPending,
			EventType:     e.Kind().RoutingKey(),
			SubjectID:     e.SubjectID(),
			AppointmentID: appointmentID,
			PatientName:   data["patientName"],
			DoctorName:    doctorName,
			Metadata:      md,
			CreatedAt:     created,
		})
	}
	return out, nil
}

// legacyFields returns the appointment id and doctor name of appointment
// events. Billing events have neither.
func legacyFields(e events.Event) (*int64, string) {
	var id int64
	var doctor string
	switch ev := e.(type) {
	case events.AppointmentCreated:
		id, doctor = ev.AppointmentID, ev.DoctorName
	case events.AppointmentUpdated:
		id, doctor = ev.AppointmentID, ev.DoctorName
	case events.AppointmentCancelled:
		id, doctor = ev.AppointmentID, ev.DoctorName
	default:
		return nil, ""
	}
	return &id, doctor
}

// addressFor picks the contact field a channel delivers to. A nil contact
// yields "".
func addressFor(c *contact.Contact, channelType string) string {
	if c == nil {
		return ""
	}
	switch channelType {
	case channel.TypeEmail:
		return c.Email
	case channel.TypeSMS:
		return c.Phone
	case channel.TypePush:
		return c.DeviceToken
	}
	return ""
}

func displayDate(t time.Time) string { return t.UTC().Format(displayDateLayout) }

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// describe splits an event into template fields (display strings) and
// metadata (machine-readable context kept next to the rendered content).
func describe(e events.Event) (map[string]string, Metadata) {
	meta := Metadata{"eventType": e.Kind().String()}
	if actor := e.Actor(); actor.TriggeredBy != 0 {
		meta["triggeredBy"] = actor.TriggeredBy
		meta["triggeredByRole"] = actor.TriggeredByRole
	}

	var data map[string]string
	switch ev := e.(type) {
	case events.AppointmentCreated:
		data = map[string]string{
			"patientName":     ev.PatientName,
			"doctorName":      ev.DoctorName,
			"appointmentDate": displayDate(ev.AppointmentDate),
		}
		meta["appointmentId"] = ev.AppointmentID
		meta["doctorId"] = ev.DoctorID
		meta["appointmentDate"] = ev.AppointmentDate.UTC().Format(time.RFC3339)
		putNonEmpty(meta, "doctorSpecialty", ev.DoctorSpecialty)
		putNonEmpty(meta, "reason", ev.Reason)

	case events.AppointmentUpdated:
		data = map[string]string{
			"patientName":     ev.PatientName,
			"doctorName":      ev.DoctorName,
			"previousDate":    displayDate(ev.PreviousDate),
			"appointmentDate": displayDate(ev.AppointmentDate),
		}
		meta["appointmentId"] = ev.AppointmentID
		meta["doctorId"] = ev.DoctorID
		meta["previousDate"] = ev.PreviousDate.UTC().Format(time.RFC3339)
		meta["appointmentDate"] = ev.AppointmentDate.UTC().Format(time.RFC3339)
		putNonEmpty(meta, "doctorSpecialty", ev.DoctorSpecialty)
		putNonEmpty(meta, "status", ev.Status)

	case events.AppointmentCancelled:
		reason := ev.CancellationReason
		if reason == "" {
			reason = "not specified"
		}
		data = map[string]string{
			"patientName":        ev.PatientName,
			"doctorName":         ev.DoctorName,
			"appointmentDate":    displayDate(ev.AppointmentDate),
			"cancellationReason": reason,
		}
		meta["appointmentId"] = ev.AppointmentID
		meta["doctorId"] = ev.DoctorID
		meta["appointmentDate"] = ev.AppointmentDate.UTC().Format(time.RFC3339)
		putNonEmpty(meta, "cancellationReason", ev.CancellationReason)

	case events.PaymentInitiated:
		data = paymentData(ev.PatientName, ev.BillingID, ev.Amount, ev.Currency)
		data["paymentMethod"] = ev.PaymentMethod
		putPayment(meta, ev.BillingID, ev.Amount, ev.Currency, ev.PaymentMethod, ev.SessionID)

	case events.PaymentProcessed:
		data = paymentData(ev.PatientName, ev.BillingID, ev.Amount, ev.Currency)
		data["transactionId"] = ev.TransactionID
		putPayment(meta, ev.BillingID, ev.Amount, ev.Currency, ev.PaymentMethod, ev.SessionID)
		meta["transactionId"] = ev.TransactionID

	case events.PaymentFailed:
		data = paymentData(ev.PatientName, ev.BillingID, ev.Amount, ev.Currency)
		data["failureReason"] = ev.FailureReason
		putPayment(meta, ev.BillingID, ev.Amount, ev.Currency, ev.PaymentMethod, ev.SessionID)
		meta["failureReason"] = ev.FailureReason

	case events.RefundProcessed:
		data = map[string]string{
			"patientName":  ev.PatientName,
			"billingId":    strconv.FormatInt(ev.BillingID, 10),
			"refundAmount": money(ev.RefundAmount),
			"currency":     ev.Currency,
			"refundId":     ev.RefundID,
		}
		meta["billingId"] = ev.BillingID
		meta["refundAmount"] = ev.RefundAmount
		meta["currency"] = ev.Currency
		meta["refundId"] = ev.RefundID
		putNonEmpty(meta, "reason", ev.Reason)
	}
	return data, meta
}

func paymentData(patientName string, billingID int64, amount float64, currency string) map[string]string {
	return map[string]string{
		"patientName": patientName,
		"billingId":   strconv.FormatInt(billingID, 10),
		"amount":      money(amount),
		"currency":    currency,
	}
}

func putPayment(meta Metadata, billingID int64, amount float64, currency, method, sessionID string) {
	meta["billingId"] = billingID
	meta["amount"] = amount
	meta["currency"] = currency
	putNonEmpty(meta, "paymentMethod", method)
	putNonEmpty(meta, "sessionId", sessionID)
}

func putNonEmpty(meta Metadata, key, value string) {
	if value != "" {
		meta[key] = value
	}
}
