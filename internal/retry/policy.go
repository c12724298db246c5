// Package retry provides backoff policies for re-attempting failed tasks.
// A policy is a pure function of the attempt number, so one instance is
// safely shared across concurrent tasks without locking.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes the delay before the next attempt. Attempt numbering is
// zero-based: NextDelay(0) is the delay after the first failure.
type Policy interface {
	NextDelay(attempt int) time.Duration
}

// ConstantDelay waits the same duration before every retry.
type ConstantDelay time.Duration

// NextDelay returns the constant delay regardless of attempt number.
func (d ConstantDelay) NextDelay(int) time.Duration {
	return time.Duration(d)
}

// ExponentialBackoff grows the delay geometrically up to a cap, with
// optional jitter to spread out retries when many tasks fail at once
// against a shared downstream dependency.
type ExponentialBackoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the growth multiplier per attempt.
	Factor float64
	// Jitter, when true, multiplies the delay by a uniform random factor
	// in [0.5, 1.5).
	Jitter bool
}

/// DefaultExponentialBackoff returns the engine's standard retry curve:
// 1s initial, 30s cap, doubling, with jitter.
func DefaultExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
		Jitter:  true,
	}
}

// NextDelay returns min(Initial * Factor^attempt, Max), jittered when
// enabled.
func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(b.Initial) * math.Pow(factor, float64(attempt))
	if max := float64(b.Max); b.Max > 0 && delay > max {
		delay = max
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}
