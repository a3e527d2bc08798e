package gobill

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreateSubscription subscribes a customer to a plan. Plans with a trial
// start one and defer the first charge to the trial end; all other plans are
// activated and billed immediately, including any one-time setup fee.
func (e *Engine) CreateSubscription(ctx context.Context, customerID, planCode, paymentMethod string) (*Subscription, error) {
	plan, err := e.storage.GetPlan(ctx, planCode)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, plan.Code)
	}

	now := e.now()
	sub := &Subscription{
		ID:            newID(),
		CustomerID:    customerID,
		PlanCode:      plan.Code,
		PaymentMethod: paymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if plan.HasTrial() {
		if err := sub.StartTrial(plan, now); err != nil {
			return nil, err
		}
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	if err := sub.Activate(plan.Interval, now); err != nil {
		return nil, err
	}
	if err := e.storage.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	err = e.storage.WithSubscriptionLock(ctx, sub.ID, func(ctx context.Context) error {
		inv, err := e.ensureInvoice(ctx, sub, plan)
		if err != nil {
			return err
		}
		if inv == nil {
			return nil
		}
		if plan.SetupFee.IsPositive() {
			inv.Amount = inv.Amount.Add(plan.SetupFee)
			if err := e.storage.SaveInvoice(ctx, inv); err != nil {
				return err
			}
		}
		return e.attemptCharge(ctx, sub, plan, inv)
	})
	if err != nil {
		return nil, err
	}
	return e.storage.GetSubscription(ctx, sub.ID)
}

// ChangePlan switches a subscription to a new plan. When at is inside the
// current period, the difference is prorated: an upgrade charges the net
// amount immediately, a downgrade credits it back through the charger's
// refund support. A zero at schedules the change for the period boundary.
func (e *Engine) ChangePlan(ctx context.Context, subID, newPlanCode string, at time.Time) (*ProrationResult, error) {
	var result *ProrationResult
	err := e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive {
			return transitionErr(sub.Status, "change plan of")
		}

		newPlan, err := e.storage.GetPlan(ctx, newPlanCode)
		if err != nil {
			return err
		}
		if !newPlan.Active {
			return fmt.Errorf("%w: %s", ErrPlanInactive, newPlan.Code)
		}

		if at.IsZero() {
			sub.PendingChange = &PendingChange{
				Kind:        ChangePlanSwitch,
				EffectiveAt: sub.CurrentPeriodEnd,
				NewPlanCode: newPlan.Code,
			}
			sub.UpdatedAt = e.now()
			return e.storage.SaveSubscription(ctx, sub)
		}

		oldPlan, err := e.storage.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return err
		}

		res := CalculateProration(sub, oldPlan.Amount, newPlan.Amount, at)
		if err := ValidateProration(res); err != nil {
			return err
		}
		result = &res

		if res.IsCharge() {
			if err := e.chargeProration(ctx, sub, newPlan, res, at); err != nil {
				return err
			}
		} else if res.IsCredit() {
			if err := e.creditProration(ctx, sub, res); err != nil {
				return err
			}
		}

		sub.PlanCode = newPlan.Code
		sub.UpdatedAt = e.now()
		return e.storage.SaveSubscription(ctx, sub)
	})
	return result, err
}

// chargeProration collects a positive proration net amount through an
// adjustment invoice covering the remainder of the period.
func (e *Engine) chargeProration(ctx context.Context, sub *Subscription, newPlan *Plan, res ProrationResult, at time.Time) error {
	now := e.now()
	inv := &Invoice{
		ID:             newID(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Amount:         res.NetAmount,
		Currency:       newPlan.Currency,
		Status:         InvoicePending,
		PeriodStart:    at,
		PeriodEnd:      sub.CurrentPeriodEnd,
		DueAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.storage.SaveInvoice(ctx, inv); err != nil {
		return err
	}
	return e.attemptCharge(ctx, sub, newPlan, inv)
}

// creditProration returns a negative proration net amount against the last
// settled charge. Chargers without refund support skip the credit; the
// caller still gets the computed result.
func (e *Engine) creditProration(ctx context.Context, sub *Subscription, res ProrationResult) error {
	refunder, ok := e.charger.(Refunder)
	if !ok {
		e.logger.Warn("charger cannot refund, skipping proration credit",
			Field{"subscription_id", sub.ID},
			Field{"credit", res.NetAmount.String()})
		return nil
	}

	inv, err := e.storage.LatestInvoice(ctx, sub.ID)
	if err != nil {
		return err
	}
	if inv == nil || inv.Status != InvoicePaid || inv.ChargeRef == "" {
		e.logger.Warn("no settled invoice to credit against",
			Field{"subscription_id", sub.ID})
		return nil
	}

	key := fmt.Sprintf("refund_%s_%d", inv.ID, e.now().Unix())
	refundCtx, cancel := context.WithTimeout(ctx, e.config.ChargeTimeout)
	defer cancel()
	_, err = refunder.Refund(refundCtx, inv.ChargeRef, res.NetAmount.Neg(), key)
	return err
}

// CancelSubscription cancels a subscription. Immediate cancellation credits
// the unused remainder of the period; atPeriodEnd schedules the cancellation
// for the boundary instead.
func (e *Engine) CancelSubscription(ctx context.Context, subID, reason string, atPeriodEnd bool) (*ProrationResult, error) {
	var result *ProrationResult
	err := e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}

		now := e.now()
		if atPeriodEnd {
			switch sub.Status {
			case StatusCancelled, StatusExpired:
				return transitionErr(sub.Status, "cancel")
			}
			sub.PendingChange = &PendingChange{
				Kind:        ChangeCancel,
				EffectiveAt: sub.CurrentPeriodEnd,
				Reason:      reason,
			}
			sub.UpdatedAt = now
			return e.storage.SaveSubscription(ctx, sub)
		}

		plan, err := e.storage.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return err
		}

		res := CalculateRefundProration(sub, plan.Amount, now)
		if res.Applies {
			if err := ValidateProration(res); err != nil {
				return err
			}
			result = &res
			if err := e.creditProration(ctx, sub, res); err != nil {
				return err
			}
		}

		if err := sub.Cancel(reason, now); err != nil {
			return err
		}
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		e.notify(func() { e.notifier.SubscriptionCancelled(sub, reason) })
		return nil
	})
	return result, err
}

// UpdatePlan saves plan changes, rejecting interval changes while active
// subscriptions still reference the plan.
func (e *Engine) UpdatePlan(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	existing, err := e.storage.GetPlan(ctx, plan.Code)
	if err != nil && !errors.Is(err, ErrPlanNotFound) {
		return err
	}
	if existing != nil && existing.Interval != plan.Interval {
		count, err := e.storage.CountActiveSubscriptionsForPlan(ctx, plan.Code)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s has %d active subscriptions", ErrPlanIntervalLocked, plan.Code, count)
		}
	}

	plan.UpdatedAt = e.now()
	return e.storage.SavePlan(ctx, plan)
}
