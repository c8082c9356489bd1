// Package events defines the hospital domain events carried on the broker:
// one immutable value type per business occurrence, the routing table that
// maps them to exchanges and routing keys, and their JSON wire codec.
package events

import "time"

// Event is implemented only by the value types in this package.
type Event interface {
	Kind() Kind
	// SubjectID is the appointment or billing id the event is about.
	SubjectID() int64
	// RecipientID is the patient the resulting notification is addressed to.
	RecipientID() int64
	OccurredAt() time.Time
	Actor() Provenance

	sealed()
}

// Provenance records who triggered an event.
type Provenance struct {
	TriggeredBy     int64  `json:"triggeredBy"`
	TriggeredByRole string `json:"triggeredByRole"`
}

// Appointment events. Patient and doctor names are snapshots taken when the
// event was published.

type AppointmentCreated struct {
	AppointmentID   int64     `json:"appointmentId"`
	PatientID       int64     `json:"patientId"`
	DoctorID        int64     `json:"doctorId"`
	PatientName     string    `json:"patientName"`
	DoctorName      string    `json:"doctorName"`
	DoctorSpecialty string    `json:"doctorSpecialty,omitempty"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Provenance
}

type AppointmentUpdated struct {
	AppointmentID   int64     `json:"appointmentId"`
	PatientID       int64     `json:"patientId"`
	DoctorID        int64     `json:"doctorId"`
	PatientName     string    `json:"patientName"`
	DoctorName      string    `json:"doctorName"`
	DoctorSpecialty string    `json:"doctorSpecialty,omitempty"`
	PreviousDate    time.Time `json:"previousDate"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Status          string    `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Provenance
}

type AppointmentCancelled struct {
	AppointmentID      int64     `json:"appointmentId"`
	PatientID          int64     `json:"patientId"`
	DoctorID           int64     `json:"doctorId"`
	PatientName        string    `json:"patientName"`
	DoctorName         string    `json:"doctorName"`
	AppointmentDate    time.Time `json:"appointmentDate"`
	CancellationReason string    `json:"cancellationReason,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Provenance
}

// Payment events. SessionID correlates the payment source session when the
// gateway provides one.

type PaymentInitiated struct {
	BillingID     int64     `json:"billingId"`
	PatientID     int64     `json:"patientId"`
	PatientName   string    `json:"patientName"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	SessionID     string    `json:"sessionId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Provenance
}

type PaymentProcessed struct {
	BillingID     int64     `json:"billingId"`
	PatientID     int64     `json:"patientId"`
	PatientName   string    `json:"patientName"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	TransactionID string    `json:"transactionId"`
	SessionID     string    `json:"sessionId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Provenance
}

type PaymentFailed struct {
	BillingID     int64     `json:"billingId"`
	PatientID     int64     `json:"patientId"`
	PatientName   string    `json:"patientName"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	FailureReason string    `json:"failureReason"`
	SessionID     string    `json:"sessionId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Provenance
}

type RefundProcessed struct {
	BillingID    int64     `json:"billingId"`
	PatientID    int64     `json:"patientId"`
	PatientName  string    `json:"patientName"`
	RefundAmount float64   `json:"refundAmount"`
	Currency     string    `json:"currency"`
	RefundID     string    `json:"refundId"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Provenance
}

func (AppointmentCreated) Kind() Kind   { return KindAppointmentCreated }
func (AppointmentUpdated) Kind() Kind   { return KindAppointmentUpdated }
func (AppointmentCancelled) Kind() Kind { return KindAppointmentCancelled }
func (PaymentInitiated) Kind() Kind     { return KindPaymentInitiated }
func (PaymentProcessed) Kind() Kind     { return KindPaymentProcessed }
func (PaymentFailed) Kind() Kind        { return KindPaymentFailed }
func (RefundProcessed) Kind() Kind      { return KindRefundProcessed }

func (e AppointmentCreated) SubjectID() int64   { return e.AppointmentID }
func (e AppointmentUpdated) SubjectID() int64   { return e.AppointmentID }
func (e AppointmentCancelled) SubjectID() int64 { return e.AppointmentID }
func (e PaymentInitiated) SubjectID() int64     { return e.BillingID }
func (e PaymentProcessed) SubjectID() int64     { return e.BillingID }
func (e PaymentFailed) SubjectID() int64        { return e.BillingID }
func (e RefundProcessed) SubjectID() int64      { return e.BillingID }

func (e AppointmentCreated) RecipientID() int64   { return e.PatientID }
func (e AppointmentUpdated) RecipientID() int64   { return e.PatientID }
func (e AppointmentCancelled) RecipientID() int64 { return e.PatientID }
func (e PaymentInitiated) RecipientID() int64     { return e.PatientID }
func (e PaymentProcessed) RecipientID() int64     { return e.PatientID }
func (e PaymentFailed) RecipientID() int64        { return e.PatientID }
func (e RefundProcessed) RecipientID() int64      { return e.PatientID }

func (e AppointmentCreated) OccurredAt() time.Time   { return e.Timestamp }
func (e AppointmentUpdated) OccurredAt() time.Time   { return e.Timestamp }
func (e AppointmentCancelled) OccurredAt() time.Time { return e.Timestamp }
func (e PaymentInitiated) OccurredAt() time.Time     { return e.Timestamp }
func (e PaymentProcessed) OccurredAt() time.Time     { return e.Timestamp }
func (e PaymentFailed) OccurredAt() time.Time        { return e.Timestamp }
func (e RefundProcessed) OccurredAt() time.Time      { return e.Timestamp }

func (p Provenance) Actor() Provenance { return p }

func (AppointmentCreated) sealed()   {}
func (AppointmentUpdated) sealed()   {}
func (AppointmentCancelled) sealed() {}
func (PaymentInitiated) sealed()     {}
func (PaymentProcessed) sealed()     {}
func (PaymentFailed) sealed()        {}
func (RefundProcessed) sealed()      {}
