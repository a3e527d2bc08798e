package webhook

import "time"

// Metrics defines the interface for tracking webhook delivery operations.
type Metrics interface {
	// RecordDeliverySuccess records a delivered webhook.
	RecordDeliverySuccess(endpoint string, eventType EventType, attempt int)

	// RecordDeliveryFailure records a failed delivery attempt.
	RecordDeliveryFailure(endpoint string, eventType EventType, statusCode int, terminal bool)

	// RecordDuplicateSuppressed records an event suppressed by the
	// duplicate-detection window.
	RecordDuplicateSuppressed(eventType EventType)

	// RecordCircuitStateChange records a per-endpoint breaker transition.
	RecordCircuitStateChange(endpoint string, state string)

	// RecordDeliveryDuration records the duration of one HTTP attempt.
	RecordDeliveryDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDeliverySuccess(endpoint string, eventType EventType, attempt int) {}
func (n *NoopMetrics) RecordDeliveryFailure(endpoint string, eventType EventType, statusCode int, terminal bool) {
}
func (n *NoopMetrics) RecordDuplicateSuppressed(eventType EventType)               {}
func (n *NoopMetrics) RecordCircuitStateChange(endpoint string, state string)      {}
func (n *NoopMetrics) RecordDeliveryDuration(endpoint string, d time.Duration)     {}
