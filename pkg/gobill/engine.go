package gobill

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	sweepDueBilling = "due_billing"
	sweepRetry      = "payment_retry"
	sweepLifecycle  = "lifecycle"

	// CancelReasonRetriesExhausted is set when dunning gives up.
	CancelReasonRetriesExhausted = "payment retries exhausted"
)

// Config holds billing engine configuration.
type Config struct {
	// RetryScheduleDays maps attempt number to the delay in days before the
	// next attempt (default: 1, 3, 7, 14, 30). Attempts beyond the schedule
	// are not retried.
	RetryScheduleDays []int

	// MaxPaymentAttempts is the number of charge attempts before the
	// subscription is cancelled for nonpayment (default: 5).
	MaxPaymentAttempts int

	// SweepBatchSize bounds how many entities one sweep run loads (default: 100).
	SweepBatchSize int

	// ChargeTimeout bounds a single charge call (default: 30s). A timeout is
	// treated as a retryable failure.
	ChargeTimeout time.Duration

	// Workers bounds concurrent charge calls per sweep (default: 4).
	Workers int

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks billing outcomes (default: NoopMetrics).
	Metrics Metrics

	// Notifier receives lifecycle notifications (default: NoopNotifier).
	Notifier Notifier

	// Now returns the current time; tests override it (default: time.Now UTC).
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryScheduleDays:  []int{1, 3, 7, 14, 30},
		MaxPaymentAttempts: 5,
		SweepBatchSize:     100,
		ChargeTimeout:      30 * time.Second,
		Workers:            4,
	}
}

// Engine drives recurring billing: it finds due subscriptions and invoices,
// computes amounts, calls the charge collaborator and applies the retry
// policy. Sweeps are idempotent and safe to re-trigger before a previous run
// finishes; per-subscription advisory locks prevent double charges.
type Engine struct {
	storage  Storage
	charger  Charger
	config   Config
	logger   Logger
	metrics  Metrics
	notifier Notifier
	now      func() time.Time
}

// NewEngine creates a billing engine.
func NewEngine(storage Storage, charger Charger, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if charger == nil {
		return nil, fmt.Errorf("charger is required")
	}

	if len(config.RetryScheduleDays) == 0 {
		config.RetryScheduleDays = []int{1, 3, 7, 14, 30}
	}
	if config.MaxPaymentAttempts <= 0 {
		config.MaxPaymentAttempts = 5
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}
	if config.ChargeTimeout <= 0 {
		config.ChargeTimeout = 30 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Notifier == nil {
		config.Notifier = &NoopNotifier{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		storage:  storage,
		charger:  charger,
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		notifier: config.Notifier,
		now:      config.Now,
	}, nil
}

// RunDueBilling bills every active subscription whose next billing date has
// passed. Each subscription is processed in isolation: one failure is logged
// and counted but never aborts the sweep.
func (e *Engine) RunDueBilling(ctx context.Context) error {
	started := e.now()
	defer func() { e.metrics.RecordSweepDuration(sweepDueBilling, e.now().Sub(started)) }()

	subs, err := e.storage.ListSubscriptionsDue(ctx, started, e.config.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing due subscriptions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, sub := range subs {
		g.Go(func() error {
			e.runIsolated(sweepDueBilling, sub.ID, func() error {
				return e.billSubscription(gctx, sub.ID)
			})
			return nil
		})
	}
	return g.Wait()
}

// billSubscription creates and charges the invoice for the subscription's
// current period. Re-runs are idempotent: an existing non-cancelled invoice
// for the exact period short-circuits.
func (e *Engine) billSubscription(ctx context.Context, subID string) error {
	return e.storage.WithSubscriptionLock(ctx, subID, func(ctx context.Context) error {
		sub, err := e.storage.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive {
			return nil
		}
		if sub.CurrentPeriodStart.IsZero() {
			// Trialing: NextBillingDate points at the trial end, but no
			// period exists to invoice yet. The lifecycle sweep establishes
			// the first period and bills it.
			return nil
		}
		if sub.NextBillingDate == nil || sub.NextBillingDate.After(e.now()) {
			return nil
		}

		plan, err := e.storage.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return err
		}

		inv, err := e.ensureInvoice(ctx, sub, plan)
		if err != nil {
			return err
		}
		if inv == nil {
			// Period already invoiced by a previous sweep run.
			e.logger.Debug("period already invoiced, skipping",
				Field{"subscription_id", sub.ID})
			return nil
		}

		return e.attemptCharge(ctx, sub, plan, inv)
	})
}

// ensureInvoice returns a fresh pending invoice for the subscription's
// current period, or nil when a non-cancelled invoice already covers it.
func (e *Engine) ensureInvoice(ctx context.Context, sub *Subscription, plan *Plan) (*Invoice, error) {
	existing, err := e.storage.FindInvoiceForPeriod(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	now := e.now()
	inv := &Invoice{
		ID:             newID(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Amount:         plan.Amount,
		Currency:       plan.Currency,
		Status:         InvoicePending,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		DueAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.storage.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// attemptCharge drives one charge attempt for an invoice and applies the
// outcome: settle and advance on success, schedule dunning on failure,
// cancel on exhaustion. Assumes the subscription lock is held.
func (e *Engine) attemptCharge(ctx context.Context, sub *Subscription, plan *Plan, inv *Invoice) error {
	now := e.now()
	inv.Status = InvoiceProcessing
	inv.UpdatedAt = now
	if err := e.storage.SaveInvoice(ctx, inv); err != nil {
		return err
	}

	// The key encodes the attempt counter as recorded *before* the call, so
	// a call whose response is lost replays the same key on the next run.
	key := invoiceIdempotencyKey(inv)

	chargeCtx, cancel := context.WithTimeout(ctx, e.config.ChargeTimeout)
	result, err := e.charger.Charge(chargeCtx, ChargeRequest{
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		PaymentMethod:  sub.PaymentMethod,
		IdempotencyKey: key,
		Description:    fmt.Sprintf("subscription %s, period %s to %s", sub.ID, inv.PeriodStart.Format("2006-01-02"), inv.PeriodEnd.Format("2006-01-02")),
	})
	cancel()
	if err != nil {
		// Transport-level failure: retryable, outcome unknown. The same
		// idempotency key protects the retry.
		result = ChargeResult{Success: false, FailureCode: "charge_error", Retryable: true}
		e.logger.Warn("charge call failed",
			Field{"invoice_id", inv.ID}, ErrField(err))
	}

	if result.Success {
		return e.settleInvoice(ctx, sub, plan, inv, result.ChargeRef)
	}
	return e.recordChargeFailure(ctx, sub, plan, inv, result)
}

// settleInvoice marks the invoice paid and advances the billing cycle. A
// past-due subscription recovering through a retry is reactivated.
func (e *Engine) settleInvoice(ctx context.Context, sub *Subscription, plan *Plan, inv *Invoice, chargeRef string) error {
	now := e.now()

	inv.Status = InvoicePaid
	inv.ChargeRef = chargeRef
	inv.AttemptCount++
	inv.NextPaymentAttempt = nil
	inv.UpdatedAt = now
	if err := e.storage.SaveInvoice(ctx, inv); err != nil {
		return err
	}

	if sub.Status == StatusPastDue {
		sub.Status = StatusActive
		sub.UpdatedAt = now
	}
	// Only a full-period invoice advances the cycle. Proration adjustment
	// invoices cover a sub-period and leave it alone.
	if inv.PeriodStart.Equal(sub.CurrentPeriodStart) && inv.PeriodEnd.Equal(sub.CurrentPeriodEnd) {
		if err := sub.AdvanceBillingCycle(plan.Interval, now); err != nil {
			return err
		}
	}
	if err := e.storage.SaveSubscription(ctx, sub); err != nil {
		return err
	}

	e.notify(func() { e.notifier.PaymentSucceeded(sub, inv) })
	e.metrics.RecordBillingSuccess(plan.Code, inv.AttemptCount)
	e.logger.Info("invoice settled", InvoiceFields(inv)...)
	return nil
}

// recordChargeFailure marks the invoice failed, schedules the next dunning
// attempt from the backoff table, and escalates when attempts are exhausted
// or the failure is terminal.
func (e *Engine) recordChargeFailure(ctx context.Context, sub *Subscription, plan *Plan, inv *Invoice, result ChargeResult) error {
	now := e.now()

	inv.AttemptCount++
	inv.Status = InvoiceFailed
	inv.UpdatedAt = now

	exhausted := inv.AttemptCount >= e.config.MaxPaymentAttempts
	terminal := !result.Retryable

	if exhausted || terminal {
		inv.NextPaymentAttempt = nil
	} else {
		next := now.AddDate(0, 0, e.retryDelayDays(inv.AttemptCount))
		inv.NextPaymentAttempt = &next
	}
	if err := e.storage.SaveInvoice(ctx, inv); err != nil {
		return err
	}

	e.metrics.RecordBillingFailure(plan.Code, result.FailureCode, inv.AttemptCount)
	e.notify(func() { e.notifier.PaymentFailed(sub, inv, result.FailureCode) })

	if exhausted {
		if err := sub.Cancel(CancelReasonRetriesExhausted, now); err != nil {
			return err
		}
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		e.metrics.RecordCancellationForNonpayment(plan.Code)
		e.notify(func() { e.notifier.SubscriptionCancelled(sub, CancelReasonRetriesExhausted) })
		e.logger.Warn("subscription cancelled for nonpayment", InvoiceFields(inv)...)
		return nil
	}

	if sub.Status == StatusActive {
		if err := sub.MarkPastDue(now); err != nil {
			return err
		}
		if err := e.storage.SaveSubscription(ctx, sub); err != nil {
			return err
		}
	}

	if terminal {
		// Permanent decline: no dunning. The lifecycle sweep cancels the
		// subscription once its latest invoice has no retry left.
		e.logger.Warn("terminal payment failure, no retry scheduled",
			Field{"subscription_id", sub.ID},
			Field{"invoice_id", inv.ID},
			Field{"failure_code", result.FailureCode})
		return nil
	}

	e.metrics.RecordBillingRetry(plan.Code, inv.AttemptCount)
	e.notify(func() { e.notifier.PaymentRetryScheduled(sub, inv) })
	e.logger.Info("payment retry scheduled",
		Field{"subscription_id", sub.ID},
		Field{"invoice_id", inv.ID},
		Field{"attempt", inv.AttemptCount},
		Field{"next_attempt", inv.NextPaymentAttempt})
	return nil
}

// RunPaymentRetries re-attempts failed invoices whose retry slot has passed.
func (e *Engine) RunPaymentRetries(ctx context.Context) error {
	started := e.now()
	defer func() { e.metrics.RecordSweepDuration(sweepRetry, e.now().Sub(started)) }()

	invoices, err := e.storage.ListInvoicesDueForRetry(ctx, started, e.config.MaxPaymentAttempts, e.config.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing invoices due for retry: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, inv := range invoices {
		g.Go(func() error {
			e.runIsolated(sweepRetry, inv.SubscriptionID, func() error {
				return e.retryInvoice(gctx, inv.ID)
			})
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) retryInvoice(ctx context.Context, invoiceID string) error {
	inv, err := e.storage.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	return e.storage.WithSubscriptionLock(ctx, inv.SubscriptionID, func(ctx context.Context) error {
		inv, err := e.storage.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceFailed ||
			inv.NextPaymentAttempt == nil || inv.NextPaymentAttempt.After(e.now()) ||
			inv.AttemptCount >= e.config.MaxPaymentAttempts {
			return nil
		}

		sub, err := e.storage.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		switch sub.Status {
		case StatusActive, StatusPastDue:
		default:
			return nil
		}

		plan, err := e.storage.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return err
		}
		return e.attemptCharge(ctx, sub, plan, inv)
	})
}

// retryDelayDays returns the dunning delay for the given attempt count.
func (e *Engine) retryDelayDays(attempt int) int {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(e.config.RetryScheduleDays) {
		idx = len(e.config.RetryScheduleDays) - 1
	}
	return e.config.RetryScheduleDays[idx]
}

// runIsolated executes one per-entity unit of work, catching panics and
// logging errors so a single subscription never poisons a sweep.
func (e *Engine) runIsolated(sweep, entityID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordBillingError(sweep)
			e.logger.Error("panic during sweep",
				Field{"sweep", sweep}, Field{"entity_id", entityID}, Field{"panic", r})
		}
	}()
	if err := fn(); err != nil {
		e.metrics.RecordBillingError(sweep)
		e.logger.Error("sweep entity failed",
			Field{"sweep", sweep}, Field{"entity_id", entityID}, ErrField(err))
	}
}

// notify isolates a fire-and-forget notifier call.
func (e *Engine) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("notifier panicked", Field{"panic", r})
		}
	}()
	fn()
}

// invoiceIdempotencyKey derives the processor idempotency key for the next
// charge attempt of an invoice. The attempt counter only advances once an
// outcome is durably recorded, so a lost response replays the same key.
func invoiceIdempotencyKey(inv *Invoice) string {
	return fmt.Sprintf("inv_%s_a%d", inv.ID, inv.AttemptCount)
}
