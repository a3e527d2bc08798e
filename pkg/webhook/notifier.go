package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gobill/gobill/pkg/gobill"
)

// Notifier implements gobill.Notifier by enqueuing outbound webhook events
// on the delivery engine. Enqueue failures are logged, never surfaced: the
// billing engine already isolates notifier calls, and a webhook outage must
// not affect billing outcomes.
type Notifier struct {
	engine    *Engine
	endpoints []string
	logger    gobill.Logger
	now       func() time.Time
}

// NewNotifier creates a notifier that fans events out to the given endpoints.
func NewNotifier(engine *Engine, endpoints []string, logger gobill.Logger) *Notifier {
	if logger == nil {
		logger = &gobill.NoopLogger{}
	}
	return &Notifier{
		engine:    engine,
		endpoints: endpoints,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubscriptionEventData is the payload for subscription lifecycle events.
type SubscriptionEventData struct {
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	PlanCode       string `json:"plan_code"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	TrialEnd       string `json:"trial_end,omitempty"`
}

// InvoiceEventData is the payload for invoice and payment events.
type InvoiceEventData struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	AttemptCount   int    `json:"attempt_count"`
	FailureCode    string `json:"failure_code,omitempty"`
	NextAttemptAt  string `json:"next_attempt_at,omitempty"`
}

func (n *Notifier) PaymentSucceeded(sub *gobill.Subscription, inv *gobill.Invoice) {
	n.emit(EventInvoicePaid, invoicePayload(sub, inv, ""))
}

func (n *Notifier) PaymentFailed(sub *gobill.Subscription, inv *gobill.Invoice, failureCode string) {
	n.emit(EventInvoicePaymentFailed, invoicePayload(sub, inv, failureCode))
}

func (n *Notifier) PaymentRetryScheduled(sub *gobill.Subscription, inv *gobill.Invoice) {
	n.emit(EventPaymentRetryScheduled, invoicePayload(sub, inv, ""))
}

func (n *Notifier) SubscriptionCancelled(sub *gobill.Subscription, reason string) {
	data := subscriptionPayload(sub)
	data.Reason = reason
	n.emit(EventSubscriptionCancelled, data)
}

func (n *Notifier) TrialExpiring(sub *gobill.Subscription) {
	data := subscriptionPayload(sub)
	if sub.TrialEnd != nil {
		data.TrialEnd = sub.TrialEnd.Format(time.RFC3339)
	}
	n.emit(EventTrialWillEnd, data)
}

// SubscriptionCreated emits the creation event. Not part of gobill.Notifier;
// callers fire it after CreateSubscription returns.
func (n *Notifier) SubscriptionCreated(sub *gobill.Subscription) {
	n.emit(EventSubscriptionCreated, subscriptionPayload(sub))
}

// SubscriptionActivated emits the activation event.
func (n *Notifier) SubscriptionActivated(sub *gobill.Subscription) {
	n.emit(EventSubscriptionActivated, subscriptionPayload(sub))
}

// ChargeRefunded emits the refund event for a prorated credit.
func (n *Notifier) ChargeRefunded(sub *gobill.Subscription, inv *gobill.Invoice) {
	n.emit(EventChargeRefunded, invoicePayload(sub, inv, ""))
}

func (n *Notifier) emit(eventType EventType, payload interface{}) {
	event, err := NewEvent(uuid.NewString(), eventType, n.now(), payload)
	if err != nil {
		n.logger.Error("building webhook event",
			gobill.Field{Key: "event_type", Value: string(eventType)},
			gobill.Field{Key: "error", Value: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, endpoint := range n.endpoints {
		if _, err := n.engine.Enqueue(ctx, endpoint, event, nil); err != nil && !errors.Is(err, ErrDuplicateEvent) {
			n.logger.Error("enqueuing webhook event",
				gobill.Field{Key: "event_type", Value: string(eventType)},
				gobill.Field{Key: "endpoint", Value: endpoint},
				gobill.Field{Key: "error", Value: err.Error()})
		}
	}
}

func subscriptionPayload(sub *gobill.Subscription) SubscriptionEventData {
	return SubscriptionEventData{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanCode:       sub.PlanCode,
		Status:         string(sub.Status),
	}
}

func invoicePayload(sub *gobill.Subscription, inv *gobill.Invoice, failureCode string) InvoiceEventData {
	data := InvoiceEventData{
		InvoiceID:      inv.ID,
		SubscriptionID: sub.ID,
		Amount:         inv.Amount.StringFixed(2),
		Currency:       inv.Currency,
		Status:         string(inv.Status),
		AttemptCount:   inv.AttemptCount,
		FailureCode:    failureCode,
	}
	if inv.NextPaymentAttempt != nil {
		data.NextAttemptAt = inv.NextPaymentAttempt.Format(time.RFC3339)
	}
	return data
}
