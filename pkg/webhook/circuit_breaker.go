package webhook

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of one endpoint's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned by Deliver when the endpoint's circuit breaker
// is open and the attempt was rescheduled without a network call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// Enabled determines if circuit breaking is active (default: true).
	Enabled bool

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens (default: 5).
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before allowing a
	// probe attempt (default: 60s).
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns a BreakerConfig with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// endpointBreaker tracks consecutive failures against one endpoint.
type endpointBreaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
}

// BreakerRegistry maintains one circuit breaker per destination endpoint so
// a broken downstream receiver cannot starve retries meant for healthy ones.
// Safe for concurrent use by delivery workers.
type BreakerRegistry struct {
	config        BreakerConfig
	breakers      sync.Map // endpoint -> *endpointBreaker
	onStateChange func(endpoint string, state BreakerState)
}

// NewBreakerRegistry creates a per-endpoint circuit breaker registry.
func NewBreakerRegistry(config BreakerConfig, onStateChange func(endpoint string, state BreakerState)) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	return &BreakerRegistry{config: config, onStateChange: onStateChange}
}

func (r *BreakerRegistry) breaker(endpoint string) *endpointBreaker {
	if b, ok := r.breakers.Load(endpoint); ok {
		return b.(*endpointBreaker)
	}
	b, _ := r.breakers.LoadOrStore(endpoint, &endpointBreaker{state: BreakerClosed})
	return b.(*endpointBreaker)
}

// Allow reports whether a delivery attempt against the endpoint may issue a
// network call. While the circuit is open, attempts are skipped until the
// reset timeout elapses and a single probe is let through.
func (r *BreakerRegistry) Allow(endpoint string) bool {
	if !r.config.Enabled {
		return true
	}
	b := r.breaker(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.lastFailureTime) >= r.config.ResetTimeout {
			b.state = BreakerHalfOpen
			r.notify(endpoint, BreakerHalfOpen)
			return true
		}
		return false
	}
	return true
}

// Success records a successful delivery, closing the circuit.
func (r *BreakerRegistry) Success(endpoint string) {
	if !r.config.Enabled {
		return
	}
	b := r.breaker(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.state = BreakerClosed
		r.notify(endpoint, BreakerClosed)
	}
	b.consecutiveFailures = 0
}

// Failure records a failed delivery, opening the circuit once the threshold
// of consecutive failures is reached or on any half-open probe failure.
func (r *BreakerRegistry) Failure(endpoint string) {
	if !r.config.Enabled {
		return
	}
	b := r.breaker(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == BreakerClosed && b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = BreakerOpen
		r.notify(endpoint, BreakerOpen)
	} else if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		r.notify(endpoint, BreakerOpen)
	}
}

// State returns the endpoint's current breaker state.
func (r *BreakerRegistry) State(endpoint string) BreakerState {
	if !r.config.Enabled {
		return BreakerClosed
	}
	b := r.breaker(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailureTime) >= r.config.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (r *BreakerRegistry) notify(endpoint string, state BreakerState) {
	if r.onStateChange != nil {
		r.onStateChange(endpoint, state)
	}
}
