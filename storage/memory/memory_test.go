package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobill/gobill/pkg/gobill"
	"github.com/gobill/gobill/pkg/webhook"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	_, err := store.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, gobill.ErrPlanNotFound)

	plan := &gobill.Plan{
		Code:     "pro",
		Amount:   decimal.RequireFromString("29.99"),
		Currency: "usd",
		Interval: gobill.BillingInterval{Unit: gobill.IntervalMonth, Count: 1},
		Active:   true,
	}
	require.NoError(t, store.SavePlan(ctx, plan))

	got, err := store.GetPlan(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, plan.Code, got.Code)
	assert.True(t, got.Amount.Equal(plan.Amount))

	// Mutating the returned copy must not touch stored state.
	got.Active = false
	got2, err := store.GetPlan(ctx, "pro")
	require.NoError(t, err)
	assert.True(t, got2.Active)
}

func TestSubscriptionCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	nbd := date(2024, time.April, 1)
	sub := &gobill.Subscription{
		ID:              "sub_1",
		Status:          gobill.StatusActive,
		PlanCode:        "pro",
		NextBillingDate: &nbd,
		PendingChange:   &gobill.PendingChange{Kind: gobill.ChangeCancel, EffectiveAt: nbd},
		Metadata:        map[string]string{"source": "checkout"},
	}
	require.NoError(t, store.SaveSubscription(ctx, sub))

	got, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)

	*got.NextBillingDate = date(2030, time.January, 1)
	got.PendingChange.Kind = gobill.ChangePlanSwitch
	got.Metadata["source"] = "mutated"

	fresh, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, nbd, *fresh.NextBillingDate)
	assert.Equal(t, gobill.ChangeCancel, fresh.PendingChange.Kind)
	assert.Equal(t, "checkout", fresh.Metadata["source"])
}

func TestListSubscriptionsDue(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	cutoff := date(2024, time.April, 1)

	due := date(2024, time.March, 31)
	notDue := date(2024, time.April, 2)
	periodStart := date(2024, time.March, 1)

	for _, s := range []*gobill.Subscription{
		{ID: "due_active", Status: gobill.StatusActive, CurrentPeriodStart: periodStart, NextBillingDate: &due, CreatedAt: date(2024, time.January, 1)},
		{ID: "due_past_due", Status: gobill.StatusPastDue, CurrentPeriodStart: periodStart, NextBillingDate: &due, CreatedAt: date(2024, time.January, 2)},
		{ID: "not_due", Status: gobill.StatusActive, CurrentPeriodStart: periodStart, NextBillingDate: &notDue},
		{ID: "paused", Status: gobill.StatusPaused, CurrentPeriodStart: periodStart, NextBillingDate: &due},
		{ID: "cancelled", Status: gobill.StatusCancelled},
		// Trialing: next billing date set but no period yet.
		{ID: "trialing", Status: gobill.StatusActive, NextBillingDate: &due, TrialEnd: &due},
	} {
		require.NoError(t, store.SaveSubscription(ctx, s))
	}

	got, err := store.ListSubscriptionsDue(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "due_active", got[0].ID)
	assert.Equal(t, "due_past_due", got[1].ID)

	limited, err := store.ListSubscriptionsDue(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFindInvoiceForPeriod(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)

	cancelled := &gobill.Invoice{
		ID: "inv_cancelled", SubscriptionID: "sub_1",
		Status: gobill.InvoiceCancelled, PeriodStart: start, PeriodEnd: end,
	}
	require.NoError(t, store.SaveInvoice(ctx, cancelled))

	// Cancelled invoices don't count against the period.
	got, err := store.FindInvoiceForPeriod(ctx, "sub_1", start, end)
	require.NoError(t, err)
	assert.Nil(t, got)

	pending := &gobill.Invoice{
		ID: "inv_pending", SubscriptionID: "sub_1",
		Status: gobill.InvoicePending, PeriodStart: start, PeriodEnd: end,
	}
	require.NoError(t, store.SaveInvoice(ctx, pending))

	got, err = store.FindInvoiceForPeriod(ctx, "sub_1", start, end)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inv_pending", got.ID)

	// Other subscriptions and other periods don't match.
	got, err = store.FindInvoiceForPeriod(ctx, "sub_2", start, end)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveInvoice_RejectsSecondInvoiceForPeriod(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	start := date(2024, time.March, 1)
	end := date(2024, time.April, 1)

	first := &gobill.Invoice{
		ID: "inv_1", SubscriptionID: "sub_1",
		Status: gobill.InvoicePending, PeriodStart: start, PeriodEnd: end,
	}
	require.NoError(t, store.SaveInvoice(ctx, first))

	// Updating the same record is fine.
	first.Status = gobill.InvoicePaid
	require.NoError(t, store.SaveInvoice(ctx, first))

	// A second live invoice for the same subscription and period is not.
	second := &gobill.Invoice{
		ID: "inv_2", SubscriptionID: "sub_1",
		Status: gobill.InvoicePending, PeriodStart: start, PeriodEnd: end,
	}
	assert.ErrorIs(t, store.SaveInvoice(ctx, second), gobill.ErrInvoiceExists)

	// Cancelled records never conflict, and other periods are unaffected.
	second.Status = gobill.InvoiceCancelled
	require.NoError(t, store.SaveInvoice(ctx, second))
	third := &gobill.Invoice{
		ID: "inv_3", SubscriptionID: "sub_1",
		Status: gobill.InvoicePending, PeriodStart: end, PeriodEnd: end.AddDate(0, 1, 0),
	}
	require.NoError(t, store.SaveInvoice(ctx, third))
}

func TestListInvoicesDueForRetry(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	cutoff := date(2024, time.March, 10)

	early := date(2024, time.March, 5)
	late := date(2024, time.March, 8)
	future := date(2024, time.March, 15)

	for i, inv := range []*gobill.Invoice{
		{ID: "ready_late", SubscriptionID: "s", Status: gobill.InvoiceFailed, AttemptCount: 2, NextPaymentAttempt: &late},
		{ID: "ready_early", SubscriptionID: "s", Status: gobill.InvoiceFailed, AttemptCount: 1, NextPaymentAttempt: &early},
		{ID: "future", SubscriptionID: "s", Status: gobill.InvoiceFailed, AttemptCount: 1, NextPaymentAttempt: &future},
		{ID: "exhausted", SubscriptionID: "s", Status: gobill.InvoiceFailed, AttemptCount: 5, NextPaymentAttempt: &early},
		{ID: "paid", SubscriptionID: "s", Status: gobill.InvoicePaid, NextPaymentAttempt: &early},
	} {
		inv.PeriodStart = date(2024, time.January, 1).AddDate(0, i, 0)
		inv.PeriodEnd = inv.PeriodStart.AddDate(0, 1, 0)
		require.NoError(t, store.SaveInvoice(ctx, inv))
	}

	got, err := store.ListInvoicesDueForRetry(ctx, cutoff, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ready_early", got[0].ID)
	assert.Equal(t, "ready_late", got[1].ID)
}

func TestLatestInvoice(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	got, err := store.LatestInvoice(ctx, "sub_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	old := &gobill.Invoice{ID: "inv_old", SubscriptionID: "sub_1", CreatedAt: date(2024, time.January, 1)}
	newer := &gobill.Invoice{ID: "inv_new", SubscriptionID: "sub_1", CreatedAt: date(2024, time.February, 1)}
	other := &gobill.Invoice{ID: "inv_other", SubscriptionID: "sub_2", CreatedAt: date(2024, time.March, 1)}
	for _, inv := range []*gobill.Invoice{old, newer, other} {
		inv.PeriodStart = inv.CreatedAt
		inv.PeriodEnd = inv.CreatedAt.AddDate(0, 1, 0)
		require.NoError(t, store.SaveInvoice(ctx, inv))
	}

	got, err = store.LatestInvoice(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inv_new", got.ID)
}

func TestWithSubscriptionLock_Serializes(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithSubscriptionLock(ctx, "sub_1", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one holder per subscription")
}

func TestDeliveryStore(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	now := date(2024, time.March, 1)

	_, err := store.GetDelivery(ctx, "missing")
	assert.ErrorIs(t, err, webhook.ErrDeliveryNotFound)

	next := now
	d := &webhook.Delivery{
		ID:            "del_1",
		Endpoint:      "https://hooks.example",
		EventID:       "evt_1",
		EventType:     webhook.EventInvoicePaid,
		Payload:       []byte(`{"x":1}`),
		Status:        webhook.DeliveryPending,
		NextAttemptAt: &next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.SaveDelivery(ctx, d))

	found, err := store.FindDeliveryForEvent(ctx, "https://hooks.example", "evt_1", webhook.EventInvoicePaid, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "del_1", found.ID)

	// A different endpoint, a stale window and a different type all miss.
	found, err = store.FindDeliveryForEvent(ctx, "https://other.example", "evt_1", webhook.EventInvoicePaid, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = store.FindDeliveryForEvent(ctx, "https://hooks.example", "evt_1", webhook.EventInvoicePaid, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = store.FindDeliveryForEvent(ctx, "https://hooks.example", "evt_1", webhook.EventInvoicePaymentFailed, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found)

	ready, err := store.ListDeliveriesReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	d.Status = webhook.DeliveryDelivered
	d.NextAttemptAt = nil
	d.UpdatedAt = now
	require.NoError(t, store.SaveDelivery(ctx, d))

	ready, err = store.ListDeliveriesReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	removed, err := store.DeleteTerminalBefore(ctx, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetDelivery(ctx, "del_1")
	assert.ErrorIs(t, err, webhook.ErrDeliveryNotFound)
}
