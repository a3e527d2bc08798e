package gobill

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func periodSub(start, end time.Time) *Subscription {
	return &Subscription{
		ID:                 "sub_1",
		Status:             StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}
}

func TestCalculateProration_Upgrade(t *testing.T) {
	// $100 -> $200 on a 30-day period with 20 days remaining:
	// unused 66.6667, prorated 133.3333, net charge 66.67.
	sub := periodSub(date(2024, time.March, 1), date(2024, time.March, 31))
	res := CalculateProration(sub, dec("100"), dec("200"), date(2024, time.March, 11))

	require.True(t, res.Applies)
	assert.Equal(t, 30, res.TotalDays)
	assert.Equal(t, 10, res.DaysUsed)
	assert.Equal(t, 20, res.DaysRemaining)
	assert.Equal(t, "66.6667", res.UnusedAmount.StringFixed(4))
	assert.Equal(t, "133.3333", res.ProratedAmount.StringFixed(4))
	assert.Equal(t, "66.67", res.NetAmount.StringFixed(2))
	assert.True(t, res.IsCharge())
	assert.False(t, res.IsCredit())
}

func TestCalculateProration_Downgrade(t *testing.T) {
	sub := periodSub(date(2024, time.March, 1), date(2024, time.March, 31))
	res := CalculateProration(sub, dec("200"), dec("100"), date(2024, time.March, 11))

	require.True(t, res.Applies)
	assert.Equal(t, "-66.67", res.NetAmount.StringFixed(2))
	assert.True(t, res.IsCredit())
}

func TestCalculateProration_NoOps(t *testing.T) {
	start := date(2024, time.March, 1)
	end := date(2024, time.March, 31)

	tests := []struct {
		name     string
		sub      *Subscription
		old, new decimal.Decimal
		changeAt time.Time
	}{
		{
			name:     "no current period",
			sub:      &Subscription{},
			old:      dec("100"),
			new:      dec("200"),
			changeAt: date(2024, time.March, 11),
		},
		{
			name:     "change at period start",
			sub:      periodSub(start, end),
			old:      dec("100"),
			new:      dec("200"),
			changeAt: start,
		},
		{
			name:     "change at period end",
			sub:      periodSub(start, end),
			old:      dec("100"),
			new:      dec("200"),
			changeAt: end,
		},
		{
			name:     "equal amounts",
			sub:      periodSub(start, end),
			old:      dec("100"),
			new:      dec("100"),
			changeAt: date(2024, time.March, 11),
		},
		{
			name:     "change before period",
			sub:      periodSub(start, end),
			old:      dec("100"),
			new:      dec("200"),
			changeAt: date(2024, time.February, 20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CalculateProration(tt.sub, tt.old, tt.new, tt.changeAt)
			assert.False(t, res.Applies)
			assert.NotEmpty(t, res.Reason)
			assert.True(t, res.NetAmount.IsZero())
		})
	}
}

func TestCalculateProration_SubDayRemainderIgnored(t *testing.T) {
	// Changing 12 hours into a day leaves the partial day uncounted.
	sub := periodSub(date(2024, time.March, 1), date(2024, time.March, 31))
	changeAt := time.Date(2024, time.March, 11, 12, 0, 0, 0, time.UTC)

	res := CalculateProration(sub, dec("100"), dec("200"), changeAt)
	require.True(t, res.Applies)
	assert.Equal(t, 10, res.DaysUsed)
	assert.Equal(t, 20, res.DaysRemaining)
}

func TestCalculateRefundProration(t *testing.T) {
	sub := periodSub(date(2024, time.March, 1), date(2024, time.March, 31))

	res := CalculateRefundProration(sub, dec("100"), date(2024, time.March, 11))
	require.True(t, res.Applies)
	assert.Equal(t, "-66.67", res.NetAmount.StringFixed(2))
	assert.True(t, res.IsCredit())

	// At or after the period end there is nothing to refund.
	res = CalculateRefundProration(sub, dec("100"), date(2024, time.March, 31))
	assert.False(t, res.Applies)

	res = CalculateRefundProration(sub, dec("100"), date(2024, time.April, 2))
	assert.False(t, res.Applies)
}

func TestCalculateAdjustmentProration(t *testing.T) {
	res := CalculateAdjustmentProration(dec("19.999"), date(2024, time.March, 1), date(2024, time.March, 11))
	require.True(t, res.Applies)
	assert.Equal(t, 10, res.TotalDays)
	assert.Equal(t, "20.00", res.NetAmount.StringFixed(2))

	res = CalculateAdjustmentProration(dec("10"), date(2024, time.March, 11), date(2024, time.March, 11))
	assert.False(t, res.Applies)

	res = CalculateAdjustmentProration(dec("10"), date(2024, time.March, 11), date(2024, time.March, 1))
	assert.False(t, res.Applies)
}

func TestValidateProration(t *testing.T) {
	valid := ProrationResult{
		Applies:       true,
		OldAmount:     dec("100"),
		NewAmount:     dec("200"),
		TotalDays:     30,
		DaysRemaining: 20,
		NetAmount:     dec("66.67"),
	}
	assert.NoError(t, ValidateProration(valid))

	// Results that don't apply always validate.
	assert.NoError(t, ValidateProration(ProrationResult{Applies: false, TotalDays: -5}))

	tests := []struct {
		name   string
		mutate func(*ProrationResult)
	}{
		{"zero total days", func(r *ProrationResult) { r.TotalDays = 0 }},
		{"total days beyond a year", func(r *ProrationResult) { r.TotalDays = 400 }},
		{"negative days remaining", func(r *ProrationResult) { r.DaysRemaining = -1 }},
		{"days remaining beyond period", func(r *ProrationResult) { r.DaysRemaining = 31 }},
		{"net amount beyond sanity ceiling", func(r *ProrationResult) { r.NetAmount = dec("5000") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := valid
			tt.mutate(&res)
			err := ValidateProration(res)
			assert.ErrorIs(t, err, ErrInvalidProration)
		})
	}
}
