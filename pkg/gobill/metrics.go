package gobill

import "time"

// Metrics defines the interface for tracking billing operations.
// Absence of a real implementation never affects correctness; the engine
// falls back to NoopMetrics.
type Metrics interface {
	// RecordBillingSuccess records a successfully settled invoice.
	RecordBillingSuccess(planCode string, attempt int)

	// RecordBillingFailure records a failed charge attempt.
	RecordBillingFailure(planCode, failureCode string, attempt int)

	// RecordBillingRetry records a scheduled payment retry.
	RecordBillingRetry(planCode string, attempt int)

	// RecordCancellationForNonpayment records a subscription cancelled after
	// exhausting payment retries.
	RecordCancellationForNonpayment(planCode string)

	// RecordBillingError records an unexpected per-subscription error caught
	// during a sweep.
	RecordBillingError(sweep string)

	// RecordSweepDuration records how long one sweep run took.
	RecordSweepDuration(sweep string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordBillingSuccess(planCode string, attempt int)              {}
func (n *NoopMetrics) RecordBillingFailure(planCode, failureCode string, attempt int) {}
func (n *NoopMetrics) RecordBillingRetry(planCode string, attempt int)                {}
func (n *NoopMetrics) RecordCancellationForNonpayment(planCode string)                {}
func (n *NoopMetrics) RecordBillingError(sweep string)                                {}
func (n *NoopMetrics) RecordSweepDuration(sweep string, duration time.Duration)       {}
