package webhook

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls retry spacing between delivery attempts.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failure (default: 30s).
	InitialDelay time.Duration

	// MaxDelay caps the computed delay (default: 6h).
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor (default: 2.0).
	Multiplier float64

	// JitterFraction adds up to this fraction of random extra delay on top
	// of the computed delay; jitter never reduces the base delay
	// (default: 0.2, 0 disables).
	JitterFraction float64
}

// DefaultBackoffConfig returns a BackoffConfig with sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   30 * time.Second,
		MaxDelay:       6 * time.Hour,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay returns the delay before retry number attempt (0-based):
// min(maxDelay, initial * multiplier^attempt), plus bounded jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}

	delay := time.Duration(base)
	if c.JitterFraction > 0 {
		delay += time.Duration(rand.Float64() * c.JitterFraction * base)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}
