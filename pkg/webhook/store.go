package webhook

import (
	"context"
	"time"
)

// DeliveryStore persists delivery records. Implementations must return
// copies; callers may mutate results freely.
type DeliveryStore interface {
	// SaveDelivery creates or updates a delivery record.
	SaveDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery retrieves a delivery by id.
	// Returns ErrDeliveryNotFound if it does not exist.
	GetDelivery(ctx context.Context, id string) (*Delivery, error)

	// FindDeliveryForEvent returns the most recent delivery to endpoint with
	// the same (event id, event type) created at or after since, or nil.
	// This is the duplicate-suppression lookup; keying on the endpoint keeps
	// fan-out to multiple receivers out of the duplicate check.
	FindDeliveryForEvent(ctx context.Context, endpoint, eventID string, eventType EventType, since time.Time) (*Delivery, error)

	// ListDeliveriesReady returns deliveries whose next attempt is at or
	// before the cutoff and that are not terminal.
	ListDeliveriesReady(ctx context.Context, cutoff time.Time, limit int) ([]*Delivery, error)

	// DeleteTerminalBefore removes delivered records older than
	// deliveredBefore and failed records older than failedBefore, returning
	// how many were removed.
	DeleteTerminalBefore(ctx context.Context, deliveredBefore, failedBefore time.Time) (int, error)
}
