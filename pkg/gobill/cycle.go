package gobill

import "time"

// PeriodEnd computes the end of a billing period that starts at start.
// It adds interval.Count units, preserving the anniversary day-of-month
// across months and clamping to the last day of short months (a Jan 31
// monthly subscription bills Feb 28/29, then Mar 31 again). An unknown
// unit falls back to one month.
func PeriodEnd(start time.Time, interval BillingInterval) time.Time {
	return PeriodEndAnchored(start, interval, start.Day())
}

// PeriodEndAnchored is PeriodEnd with an explicit anniversary day-of-month.
// Advancing a Jan 31 subscription lands on Feb 28, and the anchor day keeps
// the following period at Mar 31 instead of drifting to Mar 28.
func PeriodEndAnchored(start time.Time, interval BillingInterval, anchorDay int) time.Time {
	if anchorDay < 1 || anchorDay > 31 {
		anchorDay = start.Day()
	}

	count := interval.Count
	if count < 1 {
		count = 1
	}

	switch interval.Unit {
	case IntervalDay:
		return start.AddDate(0, 0, count)
	case IntervalWeek:
		return start.AddDate(0, 0, 7*count)
	case IntervalYear:
		return addMonthsSafe(start, 12*count, anchorDay)
	case IntervalMonth:
		return addMonthsSafe(start, count, anchorDay)
	default:
		return addMonthsSafe(start, 1, anchorDay)
	}
}

// TrialEnd computes the end of a trial that starts at start.
func TrialEnd(start time.Time, trialDays int) time.Time {
	return start.AddDate(0, 0, trialDays)
}

// addMonthsSafe adds months while preserving the target day-of-month when
// possible. If the target day doesn't exist in the result month (e.g. Feb 31),
// it uses the last day of that month. Using day=1 first avoids time.AddDate's
// overflow into the following month.
func addMonthsSafe(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	anchor := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of the anchor month.
	lastDay := time.Date(anchor.Year(), anchor.Month()+1, 0, 0, 0, 0, 0, anchor.Location()).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}

	return time.Date(anchor.Year(), anchor.Month(), day,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}
