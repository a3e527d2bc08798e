package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of outbound event types. Construction through
// NewEvent rejects anything outside the set, so an unhandled type is an
// error at the source, not a string that silently falls through dispatch.
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventTrialWillEnd          EventType = "subscription.trial_will_end"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventPaymentRetryScheduled EventType = "invoice.retry_scheduled"
	EventChargeRefunded        EventType = "charge.refunded"
)

var validEventTypes = map[EventType]struct{}{
	EventSubscriptionCreated:   {},
	EventSubscriptionActivated: {},
	EventSubscriptionCancelled: {},
	EventTrialWillEnd:          {},
	EventInvoicePaid:           {},
	EventInvoicePaymentFailed:  {},
	EventPaymentRetryScheduled: {},
	EventChargeRefunded:        {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Event is one outbound notification. (ID, Type) is the natural key used
// for duplicate suppression.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent builds an event, validating the type and marshalling the payload.
func NewEvent(id string, eventType EventType, occurredAt time.Time, payload interface{}) (*Event, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if id == "" {
		return nil, fmt.Errorf("event id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling event payload: %w", err)
	}

	return &Event{
		ID:         id,
		Type:       eventType,
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	}, nil
}
