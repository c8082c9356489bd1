package contact

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG reads contacts from the patient_contact table.
func NewDirectoryPG(pool *pgxpool.Pool) Lookup { return &directoryPG{pool: pool} }

func (d *directoryPG) Lookup(ctx context.Context, patientID int64) (*Contact, error) {
	var c Contact
	err := d.pool.QueryRow(ctx, `
		SELECT patient_id, full_name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(device_token, '')
		FROM patient_contact WHERE patient_id = $1`, patientID).
		Scan(&c.PatientID, &c.Name, &c.Email, &c.Phone, &c.DeviceToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact %d: %w", patientID, err)
	}
	return &c, nil
}
