package gobill_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobill/gobill/pkg/gobill"
	"github.com/gobill/gobill/storage/memory"
)

// refundingCharger extends fakeCharger with refund support.
type refundingCharger struct {
	fakeCharger
	mu      sync.Mutex
	refunds []refundCall
}

type refundCall struct {
	chargeRef string
	amount    decimal.Decimal
	key       string
}

func (f *refundingCharger) Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idempotencyKey string) (gobill.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, refundCall{chargeRef, amount, idempotencyKey})
	return gobill.ChargeResult{Success: true, ChargeRef: "re_1"}, nil
}

func seedActiveSubscription(t *testing.T, store *memory.Storage, planAmount string, start, end time.Time) *gobill.Subscription {
	t.Helper()
	ctx := context.Background()

	plan := monthlyPlan(planAmount)
	require.NoError(t, store.SavePlan(ctx, plan))

	nbd := end
	sub := &gobill.Subscription{
		ID:                 "sub_test",
		CustomerID:         "cust_1",
		PlanCode:           plan.Code,
		PaymentMethod:      "pm_1",
		Status:             gobill.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		BillingCycleAnchor: start,
		NextBillingDate:    &nbd,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	require.NoError(t, store.SaveSubscription(ctx, sub))

	paid := &gobill.Invoice{
		ID:             "inv_paid",
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Amount:         plan.Amount,
		Currency:       plan.Currency,
		Status:         gobill.InvoicePaid,
		PeriodStart:    start,
		PeriodEnd:      end,
		DueAt:          start,
		AttemptCount:   1,
		ChargeRef:      "ch_original",
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	require.NoError(t, store.SaveInvoice(ctx, paid))
	return sub
}

func TestChangePlan_UpgradeChargesProratedDifference(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	charger := &fakeCharger{}
	engine, store := newTestEngine(t, charger, clk)

	sub := seedActiveSubscription(t, store, "100", start, end)

	upgrade := monthlyPlan("200")
	upgrade.Code = "business-monthly"
	require.NoError(t, store.SavePlan(ctx, upgrade))

	res, err := engine.ChangePlan(ctx, sub.ID, "business-monthly", date(2024, time.March, 11))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "66.67", res.NetAmount.StringFixed(2))
	assert.True(t, res.IsCharge())

	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "business-monthly", sub2.PlanCode)

	// An adjustment invoice covering the remainder of the period was charged.
	calls := charger.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Amount.Equal(decimal.RequireFromString("66.67")))

	inv, err := store.LatestInvoice(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gobill.InvoicePaid, inv.Status)
	assert.Equal(t, date(2024, time.March, 11), inv.PeriodStart)
	assert.Equal(t, end, inv.PeriodEnd)
}

func TestChangePlan_DowngradeRefundsCredit(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	charger := &refundingCharger{}
	engine, store := newTestEngine(t, charger, clk)

	sub := seedActiveSubscription(t, store, "200", start, end)

	downgrade := monthlyPlan("100")
	downgrade.Code = "starter-monthly"
	require.NoError(t, store.SavePlan(ctx, downgrade))

	res, err := engine.ChangePlan(ctx, sub.ID, "starter-monthly", date(2024, time.March, 11))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "-66.67", res.NetAmount.StringFixed(2))

	require.Len(t, charger.refunds, 1)
	assert.Equal(t, "ch_original", charger.refunds[0].chargeRef)
	assert.True(t, charger.refunds[0].amount.Equal(decimal.RequireFromString("66.67")))
}

func TestChangePlan_WithoutRefunderSkipsCredit(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	charger := &fakeCharger{}
	engine, store := newTestEngine(t, charger, clk)

	sub := seedActiveSubscription(t, store, "200", start, end)

	downgrade := monthlyPlan("100")
	downgrade.Code = "starter-monthly"
	require.NoError(t, store.SavePlan(ctx, downgrade))

	res, err := engine.ChangePlan(ctx, sub.ID, "starter-monthly", date(2024, time.March, 11))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsCredit())

	// The plan still switches even though the credit could not be paid out.
	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "starter-monthly", sub2.PlanCode)
	assert.Empty(t, charger.calls())
}

func TestChangePlan_ZeroTimeSchedulesAtPeriodEnd(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	engine, store := newTestEngine(t, &fakeCharger{}, clk)

	sub := seedActiveSubscription(t, store, "100", start, end)

	upgrade := monthlyPlan("200")
	upgrade.Code = "business-monthly"
	require.NoError(t, store.SavePlan(ctx, upgrade))

	res, err := engine.ChangePlan(ctx, sub.ID, "business-monthly", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, res)

	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro-monthly", sub2.PlanCode, "switch deferred to the boundary")
	require.NotNil(t, sub2.PendingChange)
	assert.Equal(t, gobill.ChangePlanSwitch, sub2.PendingChange.Kind)
	assert.Equal(t, end, sub2.PendingChange.EffectiveAt)
	assert.Equal(t, "business-monthly", sub2.PendingChange.NewPlanCode)

	// The lifecycle sweep executes the directive once the boundary passes.
	clk.t = end.Add(time.Hour)
	require.NoError(t, engine.RunLifecycle(ctx))

	sub2, err = store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "business-monthly", sub2.PlanCode)
	assert.Nil(t, sub2.PendingChange)
}

func TestChangePlan_InactiveTargetRejected(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: date(2024, time.March, 11)}
	engine, store := newTestEngine(t, &fakeCharger{}, clk)

	sub := seedActiveSubscription(t, store, "100", date(2024, time.March, 1), date(2024, time.March, 31))

	inactive := monthlyPlan("200")
	inactive.Code = "retired"
	inactive.Active = false
	require.NoError(t, store.SavePlan(ctx, inactive))

	_, err := engine.ChangePlan(ctx, sub.ID, "retired", date(2024, time.March, 11))
	assert.ErrorIs(t, err, gobill.ErrPlanInactive)
}

func TestCancelSubscription_ImmediateRefundsUnusedTime(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	charger := &refundingCharger{}
	engine, store := newTestEngine(t, charger, clk)

	sub := seedActiveSubscription(t, store, "100", start, end)

	res, err := engine.CancelSubscription(ctx, sub.ID, "customer request", false)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "-66.67", res.NetAmount.StringFixed(2))

	require.Len(t, charger.refunds, 1)
	assert.True(t, charger.refunds[0].amount.Equal(decimal.RequireFromString("66.67")))

	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gobill.StatusCancelled, sub2.Status)
	assert.Equal(t, "customer request", sub2.CancelReason)
	assert.Nil(t, sub2.NextBillingDate)
}

func TestCancelSubscription_AtPeriodEndSchedules(t *testing.T) {
	ctx := context.Background()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)
	clk := &clock{t: date(2024, time.March, 11)}
	charger := &refundingCharger{}
	engine, store := newTestEngine(t, charger, clk)

	sub := seedActiveSubscription(t, store, "100", start, end)

	res, err := engine.CancelSubscription(ctx, sub.ID, "customer request", true)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, charger.refunds, "no refund for a scheduled cancellation")

	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gobill.StatusActive, sub2.Status)
	require.NotNil(t, sub2.PendingChange)
	assert.Equal(t, gobill.ChangeCancel, sub2.PendingChange.Kind)
	assert.Equal(t, end, sub2.PendingChange.EffectiveAt)

	clk.t = end.Add(time.Hour)
	require.NoError(t, engine.RunLifecycle(ctx))

	sub2, err = store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gobill.StatusCancelled, sub2.Status)
	assert.Equal(t, "customer request", sub2.CancelReason)
}

func TestLifecycle_TrialEndingBillsFirstPeriod(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: date(2024, time.March, 1)}
	charger := &fakeCharger{}
	engine, store := newTestEngine(t, charger, clk)

	plan := monthlyPlan("29.99")
	plan.TrialDays = 14
	seedPlan(t, store, plan)

	sub, err := engine.CreateSubscription(ctx, "cust_1", "pro-monthly", "pm_1")
	require.NoError(t, err)
	require.Empty(t, charger.calls())

	clk.t = date(2024, time.March, 15).Add(time.Hour)
	require.NoError(t, engine.RunLifecycle(ctx))

	// The first real period started where the trial ended, was billed, and
	// the settled charge advanced the cycle.
	inv, err := store.FindInvoiceForPeriod(ctx, sub.ID, date(2024, time.March, 15), date(2024, time.April, 15))
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, gobill.InvoicePaid, inv.Status)

	sub2, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.April, 15), sub2.CurrentPeriodStart)

	calls := charger.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Amount.Equal(decimal.RequireFromString("29.99")))

	// Re-running the sweep never double-bills the first period.
	require.NoError(t, engine.RunLifecycle(ctx))
	assert.Len(t, charger.calls(), 1)
}

func TestUpdatePlan_IntervalLockedWithActiveSubscriptions(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: date(2024, time.March, 11)}
	engine, store := newTestEngine(t, &fakeCharger{}, clk)

	seedActiveSubscription(t, store, "100", date(2024, time.March, 1), date(2024, time.March, 31))

	changed := monthlyPlan("100")
	changed.Interval = gobill.BillingInterval{Unit: gobill.IntervalYear, Count: 1}
	err := engine.UpdatePlan(ctx, changed)
	assert.ErrorIs(t, err, gobill.ErrPlanIntervalLocked)

	// Price changes on the same interval are fine.
	repriced := monthlyPlan("120")
	assert.NoError(t, engine.UpdatePlan(ctx, repriced))
}
