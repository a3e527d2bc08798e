package gobill

// Notifier receives fire-and-forget lifecycle notifications. Implementations
// may panic or block briefly; the engine isolates every call so a broken
// notifier can never abort a billing operation.
type Notifier interface {
	// PaymentSucceeded fires after an invoice is settled.
	PaymentSucceeded(sub *Subscription, inv *Invoice)

	// PaymentFailed fires after a failed charge attempt.
	PaymentFailed(sub *Subscription, inv *Invoice, failureCode string)

	// PaymentRetryScheduled fires when a failed invoice gets a retry slot.
	PaymentRetryScheduled(sub *Subscription, inv *Invoice)

	// SubscriptionCancelled fires when a subscription is cancelled, whether
	// by request or after exhausting payment retries.
	SubscriptionCancelled(sub *Subscription, reason string)

	// TrialExpiring fires when a trial ends and real billing begins.
	TrialExpiring(sub *Subscription)
}

// NoopNotifier is a no-op implementation of the Notifier interface.
type NoopNotifier struct{}

func (n *NoopNotifier) PaymentSucceeded(sub *Subscription, inv *Invoice)                 {}
func (n *NoopNotifier) PaymentFailed(sub *Subscription, inv *Invoice, failureCode string) {}
func (n *NoopNotifier) PaymentRetryScheduled(sub *Subscription, inv *Invoice)            {}
func (n *NoopNotifier) SubscriptionCancelled(sub *Subscription, reason string)           {}
func (n *NoopNotifier) TrialExpiring(sub *Subscription)                                  {}
