package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/eventpipe/internal/domain/contact"
	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

var appointmentDate = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func appointmentCreated(patientID int64) events.AppointmentCreated {
	return events.AppointmentCreated{
		AppointmentID:   55,
		PatientID:       patientID,
		DoctorID:        2,
		PatientName:     "Ana Ruiz",
		DoctorName:      "Dr. Chen",
		DoctorSpecialty: "Cardiology",
		AppointmentDate: appointmentDate,
		Timestamp:       fixedNow,
		Provenance:      events.Provenance{TriggeredBy: 9, TriggeredByRole: "receptionist"},
	}
}

func paymentFailed() events.PaymentFailed {
	return events.PaymentFailed{
		BillingID:     7,
		PatientID:     1,
		PatientName:   "Ana Ruiz",
		Amount:        150.00,
		Currency:      "USD",
		PaymentMethod: "card",
		FailureReason: "card_declined",
		SessionID:     "cs_test_123",
		Timestamp:     fixedNow,
	}
}

func TestMaterialize_AppointmentCreated(t *testing.T) {
	mat := newTestMaterializer(directory(), metrics.New())
	ns, err := mat.Materialize(context.Background(), appointmentCreated(1), channel.TypeEmail)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(ns) != 1 {
		t.Fatalf("got %d notifications, want 1", len(ns))
	}
	n := ns[0]
	if n.Subject != "Appointment Confirmation" {
		t.Errorf("Subject = %q, want Appointment Confirmation", n.Subject)
	}
	for _, want := range []string{"Dr. Chen", "2025-03-01 10:00", "Ana Ruiz"} {
		if !strings.Contains(n.Content, want) {
			t.Errorf("Content %q does not contain %q", n.Content, want)
		}
	}
	if n.Status != StatusPending {
		t.Errorf("Status = %s, want Pending", n.Status)
	}
	if n.Recipient != "ana@example.com" || n.UserID != "1" || n.ChannelType != channel.TypeEmail {
		t.Errorf("addressing = %q/%q/%q", n.Recipient, n.UserID, n.ChannelType)
	}
	if n.EventType != "appointment.created" || n.SubjectID != 55 {
		t.Errorf("source = %s/%d, want appointment.created/55", n.EventType, n.SubjectID)
	}
	if n.AppointmentID == nil || *n.AppointmentID != 55 {
		t.Errorf("AppointmentID = %v, want 55", n.AppointmentID)
	}
	if n.PatientName != "Ana Ruiz" || n.DoctorName != "Dr. Chen" {
		t.Errorf("names = %q/%q, want Ana Ruiz/Dr. Chen", n.PatientName, n.DoctorName)
	}
	if !n.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, fixedNow)
	}
	wantMeta := map[string]interface{}{
		"eventType":       "AppointmentCreated",
		"appointmentDate": "2025-03-01T10:00:00Z",
		"doctorSpecialty": "Cardiology",
		"triggeredByRole": "receptionist",
	}
	for k, v := range wantMeta {
		if n.Metadata[k] != v {
			t.Errorf("Metadata[%s] = %v, want %v", k, n.Metadata[k], v)
		}
	}
	if _, ok := n.Metadata["placeholderRecipient"]; ok {
		t.Error("unexpected placeholderRecipient flag")
	}
}

func TestMaterialize_PaymentFailed(t *testing.T) {
	mat := newTestMaterializer(directory(), metrics.New())
	ns, err := mat.Materialize(context.Background(), paymentFailed(), channel.TypeEmail)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	n := ns[0]
	if n.Subject != "Payment Failed" {
		t.Errorf("Subject = %q, want Payment Failed", n.Subject)
	}
	for _, want := range []string{"150.00", "card_declined", "#7"} {
		if !strings.Contains(n.Content, want) {
			t.Errorf("Content %q does not contain %q", n.Content, want)
		}
	}
	if n.Metadata["failureReason"] != "card_declined" {
		t.Errorf("failureReason = %v", n.Metadata["failureReason"])
	}
	if n.Metadata["sessionId"] != "cs_test_123" {
		t.Errorf("sessionId = %v", n.Metadata["sessionId"])
	}
	if n.AppointmentID != nil || n.DoctorName != "" {
		t.Errorf("payment carries appointment fields %v/%q", n.AppointmentID, n.DoctorName)
	}
	if n.PatientName != "Ana Ruiz" {
		t.Errorf("PatientName = %q, want Ana Ruiz", n.PatientName)
	}
}

func TestMaterialize_AppointmentFieldsPerKind(t *testing.T) {
	evs := []events.Event{
		events.AppointmentUpdated{AppointmentID: 61, PatientID: 1, DoctorName: "Dr. Okafor", PreviousDate: appointmentDate, AppointmentDate: appointmentDate},
		events.AppointmentCancelled{AppointmentID: 62, PatientID: 1, DoctorName: "Dr. Lind", AppointmentDate: appointmentDate},
	}
	wantIDs := []int64{61, 62}
	wantDoctors := []string{"Dr. Okafor", "Dr. Lind"}
	mat := newTestMaterializer(directory(), metrics.New())
	for i, e := range evs {
		ns, err := mat.Materialize(context.Background(), e, channel.TypeEmail)
		if err != nil {
			t.Fatalf("%s: %v", e.Kind(), err)
		}
		n := ns[0]
		if n.AppointmentID == nil || *n.AppointmentID != wantIDs[i] {
			t.Errorf("%s: AppointmentID = %v, want %d", e.Kind(), n.AppointmentID, wantIDs[i])
		}
		if n.DoctorName != wantDoctors[i] {
			t.Errorf("%s: DoctorName = %q, want %q", e.Kind(), n.DoctorName, wantDoctors[i])
		}
		// The event has no patient name, so the directory name is used.
		if n.PatientName != "Ana Ruiz" {
			t.Errorf("%s: PatientName = %q, want Ana Ruiz", e.Kind(), n.PatientName)
		}
	}
}

func TestMaterialize_EveryKindRenders(t *testing.T) {
	evs := []events.Event{
		appointmentCreated(1),
		events.AppointmentUpdated{AppointmentID: 1, PatientID: 1, DoctorName: "Dr. Chen", PreviousDate: appointmentDate, AppointmentDate: appointmentDate.Add(24 * time.Hour)},
		events.AppointmentCancelled{AppointmentID: 1, PatientID: 1, DoctorName: "Dr. Chen", AppointmentDate: appointmentDate},
		events.PaymentInitiated{BillingID: 7, PatientID: 1, Amount: 10, Currency: "USD", PaymentMethod: "card"},
		events.PaymentProcessed{BillingID: 7, PatientID: 1, Amount: 10, Currency: "USD", TransactionID: "tx-1"},
		paymentFailed(),
		events.RefundProcessed{BillingID: 7, PatientID: 1, RefundAmount: 2.5, Currency: "USD", RefundID: "rf-1"},
	}
	wantSubjects := []string{
		"Appointment Confirmation",
		"Appointment Updated",
		"Appointment Cancelled",
		"Payment Initiated",
		"Payment Received",
		"Payment Failed",
		"Refund Processed",
	}
	mat := newTestMaterializer(directory(), metrics.New())
	for i, e := range evs {
		ns, err := mat.Materialize(context.Background(), e, channel.TypeEmail)
		if err != nil {
			t.Errorf("%s: %v", e.Kind(), err)
			continue
		}
		if ns[0].Subject != wantSubjects[i] {
			t.Errorf("%s: Subject = %q, want %q", e.Kind(), ns[0].Subject, wantSubjects[i])
		}
		if strings.Contains(ns[0].Content, "{{") {
			t.Errorf("%s: unrendered placeholder in %q", e.Kind(), ns[0].Content)
		}
	}
}

func TestMaterialize_CancelledWithoutReason(t *testing.T) {
	mat := newTestMaterializer(directory(), metrics.New())
	ns, err := mat.Materialize(context.Background(), events.AppointmentCancelled{PatientID: 1, DoctorName: "Dr. Chen", AppointmentDate: appointmentDate}, channel.TypeEmail)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !strings.Contains(ns[0].Content, "Reason: not specified") {
		t.Errorf("Content = %q", ns[0].Content)
	}
	if _, ok := ns[0].Metadata["cancellationReason"]; ok {
		t.Error("empty cancellationReason stored in metadata")
	}
}

func TestMaterialize_PlaceholderOnMiss(t *testing.T) {
	m := metrics.New()
	mat := newTestMaterializer(directory(), m)
	e := appointmentCreated(404)
	e.PatientName = ""
	ns, err := mat.Materialize(context.Background(), e, channel.TypeEmail)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	n := ns[0]
	if n.Recipient != "patient-404@unknown.invalid" {
		t.Errorf("Recipient = %q, want placeholder", n.Recipient)
	}
	if n.Metadata["placeholderRecipient"] != true {
		t.Errorf("placeholderRecipient = %v, want true", n.Metadata["placeholderRecipient"])
	}
	if !strings.HasPrefix(n.Content, "Dear Patient,") {
		t.Errorf("Content = %q, want generic salutation", n.Content)
	}
	if got := m.Snapshot().Placeholders; got != 1 {
		t.Errorf("placeholder counter = %d, want 1", got)
	}
}

func TestMaterialize_NoPatientSkipsLookup(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("must not be called")}
	mat := newTestMaterializer(lookup, metrics.New())
	e := paymentFailed()
	e.PatientID = 0
	e.PatientName = ""
	ns, err := mat.Materialize(context.Background(), e, channel.TypeEmail)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	n := ns[0]
	if n.Recipient != PlaceholderRecipient(0) || n.Metadata["placeholderRecipient"] != true {
		t.Errorf("recipient = %q %v, want placeholder", n.Recipient, n.Metadata)
	}
	if n.UserID != "" {
		t.Errorf("UserID = %q, want empty", n.UserID)
	}
	if n.SubjectID != 7 || n.PatientName != "Patient" {
		t.Errorf("notification = %d/%q, want 7/Patient", n.SubjectID, n.PatientName)
	}
}

func TestMaterialize_PerChannelAddress(t *testing.T) {
	mat := newTestMaterializer(directory(), metrics.New())

	ns, err := mat.Materialize(context.Background(), appointmentCreated(1), channel.TypeEmail, channel.TypeSMS, channel.TypePush)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []string{"ana@example.com", "+15550100", "device-ana"}
	for i, n := range ns {
		if n.Recipient != want[i] {
			t.Errorf("%s recipient = %q, want %q", n.ChannelType, n.Recipient, want[i])
		}
	}
	if ns[0].ID == ns[1].ID {
		t.Error("notifications share an id")
	}

	// Ben has no phone on file.
	ns, err = mat.Materialize(context.Background(), appointmentCreated(2), channel.TypeSMS)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if ns[0].Recipient != PlaceholderRecipient(2) || ns[0].Metadata["placeholderRecipient"] != true {
		t.Errorf("SMS without phone = %q %v", ns[0].Recipient, ns[0].Metadata)
	}
}

func TestMaterialize_LookupErrorIsReturned(t *testing.T) {
	down := errors.New("directory unavailable")
	mat := newTestMaterializer(&fakeLookup{err: down}, metrics.New())
	_, err := mat.Materialize(context.Background(), appointmentCreated(1), channel.TypeEmail)
	if !errors.Is(err, down) {
		t.Errorf("err = %v, want %v", err, down)
	}
	if errors.Is(err, contact.ErrNotFound) {
		t.Error("transient error reported as a miss")
	}
}
