// Package prommetrics provides a Prometheus implementation of the
// webhook.Metrics interface.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gobill/gobill/pkg/webhook"
)

// Metrics implements webhook.Metrics using Prometheus collectors.
type Metrics struct {
	deliverySuccess  *prometheus.CounterVec
	deliveryFailure  *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	circuitChanges   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// NewMetrics creates a Prometheus metrics implementation registered against
// the given registerer. Pass prometheus.DefaultRegisterer to use the default
// registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "gobill"
	}
	factory := promauto.With(reg)

	return &Metrics{
		deliverySuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of delivered webhooks.",
		}, []string{"endpoint", "event_type"}),
		deliveryFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_failures_total",
			Help:      "Total number of failed delivery attempts.",
		}, []string{"endpoint", "event_type", "status_code", "terminal"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duplicates_suppressed_total",
			Help:      "Total number of events suppressed by duplicate detection.",
		}, []string{"event_type"}),
		circuitChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "circuit_state_changes_total",
			Help:      "Total number of per-endpoint circuit breaker transitions.",
		}, []string{"endpoint", "state"}),
		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// DefaultMetrics creates a metrics implementation registered against the
// default Prometheus registry.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, "gobill")
}

func (m *Metrics) RecordDeliverySuccess(endpoint string, eventType webhook.EventType, attempt int) {
	m.deliverySuccess.WithLabelValues(endpoint, string(eventType)).Inc()
}

func (m *Metrics) RecordDeliveryFailure(endpoint string, eventType webhook.EventType, statusCode int, terminal bool) {
	m.deliveryFailure.WithLabelValues(endpoint, string(eventType),
		strconv.Itoa(statusCode), strconv.FormatBool(terminal)).Inc()
}

func (m *Metrics) RecordDuplicateSuppressed(eventType webhook.EventType) {
	m.duplicates.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) RecordCircuitStateChange(endpoint string, state string) {
	m.circuitChanges.WithLabelValues(endpoint, state).Inc()
}

func (m *Metrics) RecordDeliveryDuration(endpoint string, d time.Duration) {
	m.deliveryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
