package gobill

import (
	"context"
	"time"
)

// Storage defines the persistence interface for billing entities.
// All methods use concrete types from this package to avoid import cycles.
// Implementations must return copies; callers may mutate results freely.
type Storage interface {
	// GetPlan retrieves a plan by code.
	// Returns ErrPlanNotFound if the plan does not exist.
	GetPlan(ctx context.Context, code string) (*Plan, error)

	// SavePlan creates or updates a plan.
	SavePlan(ctx context.Context, plan *Plan) error

	// GetSubscription retrieves a subscription by id.
	// Returns ErrSubscriptionNotFound if it does not exist.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// SaveSubscription creates or updates a subscription.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// ListSubscriptionsDue returns active subscriptions whose next billing
	// date is at or before the cutoff.
	ListSubscriptionsDue(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)

	// ListSubscriptionsByStatus returns subscriptions in the given status.
	ListSubscriptionsByStatus(ctx context.Context, status SubscriptionStatus, limit int) ([]*Subscription, error)

	// ListTrialsEnding returns active subscriptions whose trial ends at or
	// before the cutoff and whose first real charge has not happened yet.
	ListTrialsEnding(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)

	// ListPendingChangesDue returns subscriptions carrying a scheduled change
	// whose effective date is at or before the cutoff.
	ListPendingChangesDue(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)

	// CountActiveSubscriptionsForPlan counts non-terminal subscriptions
	// referencing the plan. Used to lock plan intervals.
	CountActiveSubscriptionsForPlan(ctx context.Context, planCode string) (int, error)

	// GetInvoice retrieves an invoice by id.
	// Returns ErrInvoiceNotFound if it does not exist.
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// SaveInvoice creates or updates an invoice.
	SaveInvoice(ctx context.Context, inv *Invoice) error

	// FindInvoiceForPeriod returns the non-cancelled invoice covering the
	// exact (subscription, period) pair, or nil if none exists. This is the
	// idempotency check guarding duplicate sweeps.
	FindInvoiceForPeriod(ctx context.Context, subscriptionID string, periodStart, periodEnd time.Time) (*Invoice, error)

	// ListInvoicesDueForRetry returns failed invoices whose next payment
	// attempt is at or before the cutoff and whose attempts are not exhausted.
	ListInvoicesDueForRetry(ctx context.Context, cutoff time.Time, maxAttempts int, limit int) ([]*Invoice, error)

	// LatestInvoice returns the most recently created invoice for a
	// subscription, or nil if none exists.
	LatestInvoice(ctx context.Context, subscriptionID string) (*Invoice, error)

	// WithSubscriptionLock runs fn while holding an advisory lock on the
	// subscription. Two concurrent sweep instances must never bill the same
	// subscription at the same time.
	WithSubscriptionLock(ctx context.Context, subscriptionID string, fn func(ctx context.Context) error) error
}
