package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/eventpipe/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const notificationCols = `id, user_id, recipient, subject, content, channel_type, status,
	event_type, subject_id, appointment_id, patient_name, doctor_name,
	is_read, retry_count, error_message, metadata, created_at, sent_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Recipient, &n.Subject, &n.Content, &n.ChannelType, &n.Status,
		&n.EventType, &n.SubjectID, &n.AppointmentID, &n.PatientName, &n.DoctorName,
		&n.IsRead, &n.RetryCount, &n.ErrorMessage, &n.Metadata, &n.CreatedAt, &n.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collect(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *repoPG) Create(ctx context.Context, ns ...*Notification) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		for _, n := range ns {
			if n.ID == uuid.Nil {
				n.ID = uuid.New()
			}
			_, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO notifications (`+notificationCols+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
				n.ID, n.UserID, n.Recipient, n.Subject, n.Content, n.ChannelType, n.Status,
				n.EventType, n.SubjectID, n.AppointmentID, n.PatientName, n.DoctorName,
				n.IsRead, n.RetryCount, n.ErrorMessage, n.Metadata, n.CreatedAt, n.SentAt)
			if err != nil {
				return fmt.Errorf("insert notification %s: %w", n.ID, err)
			}
		}
		return nil
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return scanNotification(r.conn(ctx).QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
}

func (r *repoPG) UpdateDelivery(ctx context.Context, n *Notification) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET status=$2, sent_at=$3, error_message=$4, retry_count=$5
		WHERE id = $1`,
		n.ID, n.Status, n.SentAt, n.ErrorMessage, n.RetryCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*Notification, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.UserID != "" {
		where += fmt.Sprintf(` AND user_id = $%d`, idx)
		args = append(args, f.UserID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + notificationCols + ` FROM notifications` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) ClaimFailed(ctx context.Context, maxRetries, limit int) ([]*Notification, error) {
	if db.ConnFromContext(ctx) == nil {
		return nil, errors.New("ClaimFailed must run inside a transaction")
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+notificationCols+` FROM notifications
		WHERE status = $1 AND retry_count < $2
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}
