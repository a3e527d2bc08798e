package gobill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monthly = BillingInterval{Unit: IntervalMonth, Count: 1}

func TestActivate(t *testing.T) {
	now := date(2024, time.March, 15)
	sub := &Subscription{Status: StatusPending}

	require.NoError(t, sub.Activate(monthly, now))
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, now, sub.CurrentPeriodStart)
	assert.Equal(t, date(2024, time.April, 15), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, sub.CurrentPeriodEnd, *sub.NextBillingDate)
	assert.Equal(t, now, sub.BillingCycleAnchor)
}

func TestActivate_FromPastDueKeepsPeriod(t *testing.T) {
	start := date(2024, time.March, 1)
	sub := &Subscription{
		Status:             StatusPastDue,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   date(2024, time.April, 1),
		BillingCycleAnchor: start,
	}

	require.NoError(t, sub.Activate(monthly, date(2024, time.March, 20)))
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, start, sub.CurrentPeriodStart)
}

func TestActivate_InvalidStates(t *testing.T) {
	for _, status := range []SubscriptionStatus{StatusActive, StatusPaused, StatusCancelled, StatusExpired} {
		sub := &Subscription{Status: status}
		err := sub.Activate(monthly, time.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition, "status %s", status)
	}
}

func TestStartTrial(t *testing.T) {
	now := date(2024, time.March, 1)
	plan := &Plan{Code: "pro", TrialDays: 14, Interval: monthly}
	sub := &Subscription{Status: StatusPending}

	require.NoError(t, sub.StartTrial(plan, now))
	assert.Equal(t, StatusActive, sub.Status)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, date(2024, time.March, 15), *sub.TrialEnd)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, *sub.TrialEnd, *sub.NextBillingDate)
	// No paid period is established during the trial.
	assert.True(t, sub.CurrentPeriodStart.IsZero())
}

func TestStartTrial_Errors(t *testing.T) {
	noTrial := &Plan{Code: "basic", Interval: monthly}
	sub := &Subscription{Status: StatusPending}
	assert.ErrorIs(t, sub.StartTrial(noTrial, time.Now()), ErrInvalidTransition)

	withTrial := &Plan{Code: "pro", TrialDays: 14, Interval: monthly}
	active := &Subscription{Status: StatusActive}
	assert.ErrorIs(t, active.StartTrial(withTrial, time.Now()), ErrInvalidTransition)
}

func TestPauseResume(t *testing.T) {
	now := time.Now().UTC()
	sub := &Subscription{Status: StatusActive}

	require.NoError(t, sub.Pause(now))
	assert.Equal(t, StatusPaused, sub.Status)

	// Resume is the only way out of paused.
	require.NoError(t, sub.Resume(now))
	assert.Equal(t, StatusActive, sub.Status)

	assert.ErrorIs(t, sub.Resume(now), ErrInvalidTransition)

	pastDue := &Subscription{Status: StatusPastDue}
	assert.ErrorIs(t, pastDue.Pause(now), ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	now := time.Now().UTC()
	nbd := date(2024, time.April, 1)
	sub := &Subscription{
		Status:          StatusActive,
		NextBillingDate: &nbd,
		PendingChange:   &PendingChange{Kind: ChangeCancel, EffectiveAt: nbd},
	}

	require.NoError(t, sub.Cancel("customer request", now))
	assert.Equal(t, StatusCancelled, sub.Status)
	assert.Equal(t, "customer request", sub.CancelReason)
	require.NotNil(t, sub.CancelledAt)
	assert.Nil(t, sub.NextBillingDate)
	assert.Nil(t, sub.PendingChange)

	// Terminal states cannot be cancelled again.
	assert.ErrorIs(t, sub.Cancel("again", now), ErrInvalidTransition)

	expired := &Subscription{Status: StatusExpired}
	assert.ErrorIs(t, expired.Cancel("nope", now), ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	now := time.Now().UTC()
	sub := &Subscription{Status: StatusActive}
	require.NoError(t, sub.Expire(now))
	assert.Equal(t, StatusExpired, sub.Status)

	assert.ErrorIs(t, sub.Expire(now), ErrInvalidTransition)
}

func TestMarkPastDue(t *testing.T) {
	now := time.Now().UTC()
	sub := &Subscription{Status: StatusActive}
	require.NoError(t, sub.MarkPastDue(now))
	assert.Equal(t, StatusPastDue, sub.Status)

	paused := &Subscription{Status: StatusPaused}
	assert.ErrorIs(t, paused.MarkPastDue(now), ErrInvalidTransition)
}

func TestAdvanceBillingCycle(t *testing.T) {
	anchor := date(2025, time.January, 31)
	sub := &Subscription{
		Status:             StatusActive,
		CurrentPeriodStart: anchor,
		CurrentPeriodEnd:   date(2025, time.February, 28),
		BillingCycleAnchor: anchor,
	}

	require.NoError(t, sub.AdvanceBillingCycle(monthly, date(2025, time.February, 28)))
	assert.Equal(t, date(2025, time.February, 28), sub.CurrentPeriodStart)
	// The anchor day keeps the period end at the 31st, not the 28th.
	assert.Equal(t, date(2025, time.March, 31), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, sub.CurrentPeriodEnd, *sub.NextBillingDate)
}

func TestAdvanceBillingCycle_Errors(t *testing.T) {
	cancelled := &Subscription{Status: StatusCancelled}
	assert.ErrorIs(t, cancelled.AdvanceBillingCycle(monthly, time.Now()), ErrInvalidTransition)

	noPeriod := &Subscription{Status: StatusActive}
	assert.ErrorIs(t, noPeriod.AdvanceBillingCycle(monthly, time.Now()), ErrInvalidTransition)
}
