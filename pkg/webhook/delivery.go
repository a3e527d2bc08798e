package webhook

import (
	"errors"
	"time"
)

var (
	// ErrUnknownEventType is returned for event types outside the closed set
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDeliveryNotFound is returned when a delivery record does not exist
	ErrDeliveryNotFound = errors.New("delivery not found")

	// ErrDuplicateEvent is returned when a delivery for the same (event id,
	// event type) already exists inside the duplicate-detection window
	ErrDuplicateEvent = errors.New("duplicate event")
)

// DeliveryStatus is the state of one outbound delivery record.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Terminal reports whether the status is final.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Delivery tracks one outbound event to one endpoint. Created once at
// emission time and mutated only by the delivery engine.
type Delivery struct {
	ID            string
	Endpoint      string
	Method        string
	EventID       string
	EventType     EventType
	Payload       []byte
	Headers       map[string]string
	CorrelationID string

	Status      DeliveryStatus
	Attempts    int
	MaxAttempts int

	ScheduledAt   time.Time
	NextAttemptAt *time.Time
	LastCode      int
	LastBody      string

	CreatedAt time.Time
	UpdatedAt time.Time
}
