package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gobill.Metrics using Prometheus.
type Metrics struct {
	billingSuccessTotal    *prometheus.CounterVec
	billingFailureTotal    *prometheus.CounterVec
	billingRetryTotal      *prometheus.CounterVec
	nonpaymentCancelsTotal *prometheus.CounterVec
	billingErrorsTotal     *prometheus.CounterVec
	sweepDuration          *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		billingSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_success_total",
			Help:      "Total number of successfully settled invoices.",
		}, []string{"plan", "attempt"}),

		billingFailureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_failure_total",
			Help:      "Total number of failed charge attempts.",
		}, []string{"plan", "failure_code"}),

		billingRetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_retry_total",
			Help:      "Total number of scheduled payment retries.",
		}, []string{"plan"}),

		nonpaymentCancelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonpayment_cancellations_total",
			Help:      "Total number of subscriptions cancelled after exhausting payment retries.",
		}, []string{"plan"}),

		billingErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_errors_total",
			Help:      "Total number of unexpected per-subscription errors caught during sweeps.",
		}, []string{"sweep"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of billing sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
}

func (m *Metrics) RecordBillingSuccess(planCode string, attempt int) {
	m.billingSuccessTotal.WithLabelValues(planCode, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) RecordBillingFailure(planCode, failureCode string, _ int) {
	m.billingFailureTotal.WithLabelValues(planCode, failureCode).Inc()
}

func (m *Metrics) RecordBillingRetry(planCode string, _ int) {
	m.billingRetryTotal.WithLabelValues(planCode).Inc()
}

func (m *Metrics) RecordCancellationForNonpayment(planCode string) {
	m.nonpaymentCancelsTotal.WithLabelValues(planCode).Inc()
}

func (m *Metrics) RecordBillingError(sweep string) {
	m.billingErrorsTotal.WithLabelValues(sweep).Inc()
}

func (m *Metrics) RecordSweepDuration(sweep string, duration time.Duration) {
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
