package notification

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List. An empty UserID lists every user.
type ListFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

type Repository interface {
	// Create inserts all notifications atomically.
	Create(ctx context.Context, ns ...*Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	// UpdateDelivery persists status, sent_at, error_message and retry_count.
	UpdateDelivery(ctx context.Context, n *Notification) error
	MarkRead(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]*Notification, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ClaimFailed locks up to limit Failed notifications with fewer than
	// maxRetries attempts, skipping rows locked by another sweeper. It must
	// run inside InTx; the locks are released when the transaction ends.
	ClaimFailed(ctx context.Context, maxRetries, limit int) ([]*Notification, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
