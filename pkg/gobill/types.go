package gobill

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntervalUnit is the unit of a plan's billing interval.
type IntervalUnit string

const (
	IntervalDay   IntervalUnit = "day"
	IntervalWeek  IntervalUnit = "week"
	IntervalMonth IntervalUnit = "month"
	IntervalYear  IntervalUnit = "year"
)

// BillingInterval describes how often a plan bills: Count units of Unit.
type BillingInterval struct {
	Unit  IntervalUnit
	Count int
}

func (i BillingInterval) String() string {
	return fmt.Sprintf("%d %s", i.Count, i.Unit)
}

// Plan is a billable product definition. A plan's interval is immutable once
// an active subscription references it.
type Plan struct {
	Code      string
	Name      string
	Amount    decimal.Decimal
	Currency  string
	Interval  BillingInterval
	TrialDays int
	SetupFee  decimal.Decimal
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the plan definition for internal consistency.
func (p *Plan) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("%w: plan code is required", ErrInvalidPlan)
	}
	if p.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidPlan)
	}
	if p.SetupFee.IsNegative() {
		return fmt.Errorf("%w: setup fee must not be negative", ErrInvalidPlan)
	}
	if p.Interval.Count < 1 {
		return fmt.Errorf("%w: interval count must be >= 1", ErrInvalidPlan)
	}
	switch p.Interval.Unit {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
	default:
		return fmt.Errorf("%w: unknown interval unit %q", ErrInvalidPlan, p.Interval.Unit)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("%w: trial days must not be negative", ErrInvalidPlan)
	}
	return nil
}

// HasTrial reports whether the plan defers the first charge behind a trial.
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusPaused    SubscriptionStatus = "paused"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// ChangeKind identifies a scheduled change stored on a subscription.
type ChangeKind string

const (
	ChangeCancel     ChangeKind = "cancel"
	ChangePlanSwitch ChangeKind = "plan_change"
)

// PendingChange is a directive the lifecycle sweep executes once EffectiveAt
// has passed. NewPlanCode is only set for ChangePlanSwitch.
type PendingChange struct {
	Kind        ChangeKind
	EffectiveAt time.Time
	NewPlanCode string
	Reason      string
}

// Subscription ties a customer to a plan across recurring billing periods.
type Subscription struct {
	ID            string
	CustomerID    string
	PlanCode      string
	PaymentMethod string

	Status SubscriptionStatus

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	NextBillingDate    *time.Time
	BillingCycleAnchor time.Time

	CancelledAt  *time.Time
	CancelReason string

	PendingChange *PendingChange
	Metadata      map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InTrial reports whether the subscription is inside its trial window at t.
func (s *Subscription) InTrial(t time.Time) bool {
	return s.TrialStart != nil && s.TrialEnd != nil &&
		!t.Before(*s.TrialStart) && t.Before(*s.TrialEnd)
}

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoicePending    InvoiceStatus = "pending"
	InvoiceProcessing InvoiceStatus = "processing"
	InvoicePaid       InvoiceStatus = "paid"
	InvoiceFailed     InvoiceStatus = "failed"
	InvoiceCancelled  InvoiceStatus = "cancelled"
)

// Invoice is a single charge owed for one billing period of one subscription.
// At most one non-cancelled invoice exists per (subscription, period) pair.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string

	Amount   decimal.Decimal
	Currency string
	Status   InvoiceStatus

	PeriodStart time.Time
	PeriodEnd   time.Time
	DueAt       time.Time

	AttemptCount       int
	NextPaymentAttempt *time.Time
	ChargeRef          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settled reports whether the invoice has reached a terminal settled state.
func (i *Invoice) Settled() bool {
	return i.Status == InvoicePaid || i.Status == InvoiceCancelled
}
