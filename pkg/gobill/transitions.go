package gobill

import (
	"fmt"
	"time"
)

func transitionErr(from SubscriptionStatus, action string) error {
	return fmt.Errorf("%w: cannot %s a %s subscription", ErrInvalidTransition, action, from)
}

// Activate moves a subscription into the active state. If no period has been
// established yet, the current period starts now and the billing anchor is
// set. The next billing date always equals the computed period end.
func (s *Subscription) Activate(interval BillingInterval, now time.Time) error {
	switch s.Status {
	case StatusPending, StatusPastDue:
	default:
		return transitionErr(s.Status, "activate")
	}

	if s.CurrentPeriodStart.IsZero() {
		s.CurrentPeriodStart = now
		s.BillingCycleAnchor = now
	}
	s.CurrentPeriodEnd = PeriodEndAnchored(s.CurrentPeriodStart, interval, s.BillingCycleAnchor.Day())
	end := s.CurrentPeriodEnd
	s.NextBillingDate = &end
	s.Status = StatusActive
	s.UpdatedAt = now
	return nil
}

// StartTrial begins the plan's trial at now and defers the first charge to
// the trial end. Only plans with a positive trial length start one.
func (s *Subscription) StartTrial(plan *Plan, now time.Time) error {
	if !plan.HasTrial() {
		return fmt.Errorf("%w: plan %s has no trial", ErrInvalidTransition, plan.Code)
	}
	if s.Status != StatusPending {
		return transitionErr(s.Status, "start trial on")
	}

	trialEnd := TrialEnd(now, plan.TrialDays)
	s.TrialStart = &now
	s.TrialEnd = &trialEnd
	s.NextBillingDate = &trialEnd
	s.Status = StatusActive
	s.UpdatedAt = now
	return nil
}

// Pause suspends an active subscription. Pure status flip; the period is
// left untouched.
func (s *Subscription) Pause(now time.Time) error {
	if s.Status != StatusActive {
		return transitionErr(s.Status, "pause")
	}
	s.Status = StatusPaused
	s.UpdatedAt = now
	return nil
}

// Resume reactivates a paused subscription. Resuming any other state is an
// error, never a silent no-op.
func (s *Subscription) Resume(now time.Time) error {
	if s.Status != StatusPaused {
		return transitionErr(s.Status, "resume")
	}
	s.Status = StatusActive
	s.UpdatedAt = now
	return nil
}

// Cancel terminates the subscription, recording when and why. The next
// billing date is cleared so sweeps never pick the subscription up again.
func (s *Subscription) Cancel(reason string, now time.Time) error {
	switch s.Status {
	case StatusCancelled, StatusExpired:
		return transitionErr(s.Status, "cancel")
	}
	s.Status = StatusCancelled
	s.CancelledAt = &now
	s.CancelReason = reason
	s.NextBillingDate = nil
	s.PendingChange = nil
	s.UpdatedAt = now
	return nil
}

// Expire marks a subscription that ran to its natural end.
func (s *Subscription) Expire(now time.Time) error {
	switch s.Status {
	case StatusCancelled, StatusExpired:
		return transitionErr(s.Status, "expire")
	}
	s.Status = StatusExpired
	s.NextBillingDate = nil
	s.UpdatedAt = now
	return nil
}

// MarkPastDue flags an active subscription whose charge failed. No period
// change happens here; the retry schedule lives on the invoice.
func (s *Subscription) MarkPastDue(now time.Time) error {
	if s.Status != StatusActive {
		return transitionErr(s.Status, "mark past due")
	}
	s.Status = StatusPastDue
	s.UpdatedAt = now
	return nil
}

// AdvanceBillingCycle shifts the current period forward after a successful
// charge: the old period end becomes the new start, and the new end is
// recomputed against the billing anchor. Idempotent under the invariant
// nextBillingDate == currentPeriodEnd.
func (s *Subscription) AdvanceBillingCycle(interval BillingInterval, now time.Time) error {
	switch s.Status {
	case StatusActive, StatusPastDue:
	default:
		return transitionErr(s.Status, "advance billing cycle of")
	}
	if s.CurrentPeriodEnd.IsZero() {
		return fmt.Errorf("%w: no current period to advance", ErrInvalidTransition)
	}

	s.CurrentPeriodStart = s.CurrentPeriodEnd
	s.CurrentPeriodEnd = PeriodEndAnchored(s.CurrentPeriodStart, interval, s.BillingCycleAnchor.Day())
	end := s.CurrentPeriodEnd
	s.NextBillingDate = &end
	s.UpdatedAt = now
	return nil
}
