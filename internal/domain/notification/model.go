// Package notification turns consumed domain events into persisted
// notification records and delivers them through the configured channels.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid notification status transition")
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSent    Status = "Sent"
	StatusFailed  Status = "Failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Metadata holds event context that is not part of the rendered content,
// such as the appointment date, session id or failure reason.
type Metadata map[string]interface{}

// Notification maps to the notifications table. It is never deleted; the
// event that produced it is identified by EventType and SubjectID.
// AppointmentID, PatientName and DoctorName are kept for older readers of the
// table; AppointmentID is nil for billing events.
type Notification struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"userId"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Content       string     `json:"content"`
	ChannelType   string     `json:"channelType"`
	Status        Status     `json:"status"`
	EventType     string     `json:"eventType"`
	SubjectID     int64      `json:"subjectId"`
	AppointmentID *int64     `json:"appointmentId,omitempty"`
	PatientName   string     `json:"patientName"`
	DoctorName    string     `json:"doctorName,omitempty"`
	IsRead        bool       `json:"isRead"`
	RetryCount    int        `json:"retryCount"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
}

// MarkSent records a successful delivery. Allowed from Pending, and from
// Failed when a retry succeeds.
func (n *Notification) MarkSent(at time.Time) error {
	if n.Status != StatusPending && n.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusSent)
	}
	sent := at.UTC()
	n.Status = StatusSent
	n.SentAt = &sent
	n.ErrorMessage = nil
	return nil
}

// MarkFailed records a failed delivery attempt and bumps RetryCount.
func (n *Notification) MarkFailed(cause error) error {
	if n.Status == StatusSent {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusFailed)
	}
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	n.Status = StatusFailed
	n.ErrorMessage = &msg
	n.RetryCount++
	return nil
}
