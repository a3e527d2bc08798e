package gobill

import (
	"context"
	"fmt"
)

// RunLifecycle runs the four lifecycle passes: trial endings, past-due
// escalation, scheduled cancellations and scheduled plan changes. Each pass
// is independent and each entity is isolated; a failure in one never blocks
// the rest.
func (e *Engine) RunLifecycle(ctx context.Context) error {
	started := e.now()
	defer func() { e.metrics.RecordSweepDuration(sweepLifecycle, e.now().Sub(started)) }()

	e.sweepTrialEndings(ctx)
	e.sweepPastDueExhausted(ctx)
	e.sweepScheduledChanges(ctx)
	return nil
}

// sweepTrialEndings bills subscriptions whose trial just ended and sends the
// trial-expiration notice. The first real period starts where the trial ends.
func (e *Engine) sweepTrialEndings(ctx context.Context) {
	subs, err := e.storage.ListTrialsEnding(ctx, e.now(), e.config.SweepBatchSize)
	if err != nil {
		e.metrics.RecordBillingError(sweepLifecycle)
		e.logger.Error("listing ending trials", ErrField(err))
		return
	}

	for _, sub := range subs {
		e.runIsolated(sweepLifecycle, sub.ID, func() error {
			return e.endTrial(ctx, sub.ID)
		})
	}
}

func (e *Engine) endTrial(ctx context.Context, subID string) error {
	return e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive || sub.TrialEnd == nil || sub.TrialEnd.After(e.now()) {
			return nil
		}
		if !sub.CurrentPeriodStart.IsZero() {
			// First real period already established by a previous run.
			return nil
		}

		plan, err := e.storage.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return err
		}

		sub.CurrentPeriodStart = *sub.TrialEnd
		sub.BillingCycleAnchor = *sub.TrialEnd
		sub.CurrentPeriodEnd = PeriodEnd(sub.CurrentPeriodStart, plan.Interval)
		end := sub.CurrentPeriodEnd
		sub.NextBillingDate = &end
		sub.UpdatedAt = e.now()
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		e.notify(func() { e.notifier.TrialExpiring(sub) })

		inv, err := e.ensureInvoice(ctx, sub, plan)
		if err != nil {
			return err
		}
		if inv == nil {
			return nil
		}
		return e.attemptCharge(ctx, sub, plan, inv)
	})
}

// sweepPastDueExhausted cancels past-due subscriptions whose latest invoice
// has no retry left, either because attempts ran out or because the decline
// was terminal.
func (e *Engine) sweepPastDueExhausted(ctx context.Context) {
	subs, err := e.storage.ListSubscriptionsByStatus(ctx, StatusPastDue, e.config.SweepBatchSize)
	if err != nil {
		e.metrics.RecordBillingError(sweepLifecycle)
		e.logger.Error("listing past-due subscriptions", ErrField(err))
		return
	}

	for _, sub := range subs {
		e.runIsolated(sweepLifecycle, sub.ID, func() error {
			return e.cancelIfExhausted(ctx, sub.ID)
		})
	}
}

func (e *Engine) cancelIfExhausted(ctx context.Context, subID string) error {
	return e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != StatusPastDue {
			return nil
		}

		inv, err := e.storage.LatestInvoice(ctx, sub.ID)
		if err != nil {
			return err
		}
		if inv == nil || inv.Status != InvoiceFailed {
			return nil
		}
		if inv.NextPaymentAttempt != nil && inv.AttemptCount < e.config.MaxPaymentAttempts {
			return nil
		}

		now := e.now()
		if err := sub.Cancel(CancelReasonRetriesExhausted, now); err != nil {
			return err
		}
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		e.metrics.RecordCancellationForNonpayment(sub.PlanCode)
		e.notify(func() { e.notifier.SubscriptionCancelled(sub, CancelReasonRetriesExhausted) })
		e.logger.Warn("past-due subscription cancelled", SubscriptionFields(sub)...)
		return nil
	})
}

// sweepScheduledChanges executes pending cancellation and plan-change
// directives whose effective date has passed, clearing the directive.
func (e *Engine) sweepScheduledChanges(ctx context.Context) {
	subs, err := e.storage.ListPendingChangesDue(ctx, e.now(), e.config.SweepBatchSize)
	if err != nil {
		e.metrics.RecordBillingError(sweepLifecycle)
		e.logger.Error("listing pending changes", ErrField(err))
		return
	}

	for _, sub := range subs {
		e.runIsolated(sweepLifecycle, sub.ID, func() error {
			return e.applyPendingChange(ctx, sub.ID)
		})
	}
}

func (e *Engine) applyPendingChange(ctx context.Context, subID string) error {
	return e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		change := sub.PendingChange
		if change == nil || change.EffectiveAt.After(e.now()) {
			return nil
		}

		now := e.now()
		switch change.Kind {
		case ChangeCancel:
			reason := change.Reason
			if reason == "" {
				reason = "scheduled cancellation"
			}
			if err := sub.Cancel(reason, now); err != nil {
				return err
			}
			if err := e.storage.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			e.notify(func() { e.notifier.SubscriptionCancelled(sub, reason) })
			return nil

		case ChangePlanSwitch:
			newPlan, err := e.storage.GetPlan(ctx, change.NewPlanCode)
			if err != nil {
				return err
			}
			if !newPlan.Active {
				return fmt.Errorf("%w: %s", ErrPlanInactive, newPlan.Code)
			}
			sub.PlanCode = newPlan.Code
			sub.PendingChange = nil
			sub.UpdatedAt = now
			return e.storage.SaveSubscription(ctx, sub)

		default:
			return fmt.Errorf("unknown pending change kind %q", change.Kind)
		}
	})
}
