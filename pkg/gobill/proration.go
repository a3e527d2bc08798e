package gobill

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// prorationScale is the intermediate precision for prorated figures.
	// Only the 2-decimal final rounding of NetAmount is contractual.
	prorationScale = 4

	// netScale is the final rounding of NetAmount, half away from zero.
	netScale = 2

	// maxProrationDays rejects period data longer than a year plus a leap day.
	maxProrationDays = 366

	// maxNetMultiple caps NetAmount at this multiple of the larger plan
	// amount. Bad period data must not silently produce bogus charges.
	maxNetMultiple = 12
)

// ProrationResult is the outcome of a proration calculation. It is a value
// object and is never persisted. NetAmount > 0 is a charge, < 0 a credit.
type ProrationResult struct {
	Applies bool
	Reason  string

	OldAmount decimal.Decimal
	NewAmount decimal.Decimal

	DaysUsed      int
	DaysRemaining int
	TotalDays     int

	// UnusedAmount and ProratedAmount carry prorationScale decimals.
	UnusedAmount   decimal.Decimal
	ProratedAmount decimal.Decimal

	// NetAmount is rounded to netScale decimals.
	NetAmount decimal.Decimal

	Description string
}

// IsCharge reports whether the result demands an additional charge.
func (r ProrationResult) IsCharge() bool {
	return r.Applies && r.NetAmount.IsPositive()
}

// IsCredit reports whether the result owes the customer a credit.
func (r ProrationResult) IsCredit() bool {
	return r.Applies && r.NetAmount.IsNegative()
}

func noProration(reason string) ProrationResult {
	return ProrationResult{Applies: false, Reason: reason}
}

// CalculateProration computes the charge or credit for switching a
// subscription from oldAmount to newAmount at changeAt, mid-period.
//
// The calculation is day-based: unused value of the old plan is credited,
// the remaining fraction of the new plan is charged, and the difference is
// rounded to cents.
func CalculateProration(sub *Subscription, oldAmount, newAmount decimal.Decimal, changeAt time.Time) ProrationResult {
	if sub.CurrentPeriodStart.IsZero() || sub.CurrentPeriodEnd.IsZero() {
		return noProration("subscription has no current period")
	}
	if changeAt.Equal(sub.CurrentPeriodStart) || changeAt.Equal(sub.CurrentPeriodEnd) {
		return noProration("change falls on a period boundary")
	}
	if oldAmount.Equal(newAmount) {
		return noProration("plan amounts are equal")
	}

	totalDays := wholeDays(sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	daysUsed := wholeDays(sub.CurrentPeriodStart, changeAt)
	daysRemaining := totalDays - daysUsed

	if totalDays <= 0 {
		return noProration("period has no length")
	}
	if daysUsed < 0 || daysRemaining <= 0 {
		return noProration("change is outside the current period")
	}

	total := decimal.NewFromInt(int64(totalDays))
	remaining := decimal.NewFromInt(int64(daysRemaining))

	unused := oldAmount.Mul(remaining).DivRound(total, prorationScale)
	prorated := newAmount.Mul(remaining).DivRound(total, prorationScale)
	net := prorated.Sub(unused).Round(netScale)

	return ProrationResult{
		Applies:        true,
		OldAmount:      oldAmount,
		NewAmount:      newAmount,
		DaysUsed:       daysUsed,
		DaysRemaining:  daysRemaining,
		TotalDays:      totalDays,
		UnusedAmount:   unused,
		ProratedAmount: prorated,
		NetAmount:      net,
		Description: fmt.Sprintf("plan change with %d of %d days remaining: credit %s unused, charge %s prorated, net %s",
			daysRemaining, totalDays, unused.StringFixed(prorationScale), prorated.StringFixed(prorationScale), net.StringFixed(netScale)),
	}
}

// CalculateRefundProration computes the credit for cancelling a subscription
// at cancelAt. The net amount is always <= 0; cancelling at or after period
// end yields no proration.
func CalculateRefundProration(sub *Subscription, planAmount decimal.Decimal, cancelAt time.Time) ProrationResult {
	if sub.CurrentPeriodStart.IsZero() || sub.CurrentPeriodEnd.IsZero() {
		return noProration("subscription has no current period")
	}
	if !cancelAt.Before(sub.CurrentPeriodEnd) {
		return noProration("cancellation at or after period end")
	}

	res := CalculateProration(sub, planAmount, decimal.Zero, cancelAt)
	if !res.Applies {
		return res
	}
	res.Description = fmt.Sprintf("cancellation with %d of %d days remaining: credit %s for unused time",
		res.DaysRemaining, res.TotalDays, res.NetAmount.Neg().StringFixed(netScale))
	return res
}

// CalculateAdjustmentProration prorates a flat amount over an arbitrary
// sub-period, for manual credits and one-off adjustments.
func CalculateAdjustmentProration(amount decimal.Decimal, start, end time.Time) ProrationResult {
	if !end.After(start) {
		return noProration("adjustment period end must be after start")
	}

	days := wholeDays(start, end)
	if days <= 0 {
		return noProration("adjustment period shorter than a day")
	}

	net := amount.Round(netScale)
	return ProrationResult{
		Applies:       true,
		NewAmount:     amount,
		DaysRemaining: days,
		TotalDays:     days,
		NetAmount:     net,
		Description:   fmt.Sprintf("manual adjustment of %s over %d days", net.StringFixed(netScale), days),
	}
}

// ValidateProration guards downstream charging against results computed from
// corrupt period data.
func ValidateProration(res ProrationResult) error {
	if !res.Applies {
		return nil
	}
	if res.TotalDays <= 0 {
		return fmt.Errorf("%w: total days must be positive, got %d", ErrInvalidProration, res.TotalDays)
	}
	if res.TotalDays > maxProrationDays {
		return fmt.Errorf("%w: total days %d exceeds %d", ErrInvalidProration, res.TotalDays, maxProrationDays)
	}
	if res.DaysRemaining < 0 || res.DaysRemaining > res.TotalDays {
		return fmt.Errorf("%w: days remaining %d outside period of %d days", ErrInvalidProration, res.DaysRemaining, res.TotalDays)
	}

	ceiling := decimal.Max(res.OldAmount.Abs(), res.NewAmount.Abs()).Mul(decimal.NewFromInt(maxNetMultiple))
	if ceiling.IsPositive() && res.NetAmount.Abs().GreaterThan(ceiling) {
		return fmt.Errorf("%w: net amount %s exceeds sanity ceiling %s",
			ErrInvalidProration, res.NetAmount.StringFixed(netScale), ceiling.StringFixed(netScale))
	}
	return nil
}

// wholeDays returns the number of whole days between from and to.
func wholeDays(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
