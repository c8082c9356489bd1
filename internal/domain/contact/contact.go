// Package contact resolves patient contact details for notification
// delivery. The directory is owned by the patient service; this package
// only reads it.
package contact

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the directory has no entry for a patient.
var ErrNotFound = errors.New("contact not found")

// Contact is the addressable part of a patient record.
type Contact struct {
	PatientID   int64  `json:"patientId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DeviceToken string `json:"deviceToken"`
}

// Lookup is a read-only view of the patient directory.
type Lookup interface {
	Lookup(ctx context.Context, patientID int64) (*Contact, error)
}
