package backoff

import (
	"time"
)

// maxExponent bounds the doubling so the float product cannot overflow
// before it is clamped to the configured maximum.
const maxExponent = 30

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Delay returns the wait that follows failed attempt number attempt
	// (1-based). rnd must return values in [0, 1).
	Delay(attempt int, base, max time.Duration, jitter bool, rnd func() float64) time.Duration
}

// ExponentialStrategy doubles the base delay per failed attempt:
// min(max, base * 2^(attempt-1)). With jitter the result is scaled by a
// uniform factor in [0.5, 1.0].
type ExponentialStrategy struct{}

// Delay implements Strategy.
func (s ExponentialStrategy) Delay(attempt int, base, max time.Duration, jitter bool, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > maxExponent {
		exp = maxExponent
	}

	delay := float64(base) * pow(2, exp)
	if delay < 0 || delay > float64(max) {
		delay = float64(max)
	}

	if jitter {
		delay *= JitterFactor(rnd)
	}
	return time.Duration(delay)
}

// DecorrelatedStrategy picks a random delay between base and
// min(max, base * 3^(attempt-1)), as described in the AWS architecture blog
// post on exponential backoff and jitter. It is always randomized; the jitter
// flag is ignored.
type DecorrelatedStrategy struct{}

// Delay implements Strategy.
func (s DecorrelatedStrategy) Delay(attempt int, base, max time.Duration, _ bool, rnd func() float64) time.Duration {
	if attempt <= 1 {
		if base > max {
			return max
		}
		return base
	}

	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}

	lower := float64(base)
	upper := lower * pow(3, exp)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < lower {
		upper = lower
	}

	delay := lower + unit(rnd)*(upper-lower)
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// JitterFactor maps rnd onto the uniform range [0.5, 1.0].
func JitterFactor(rnd func() float64) float64 {
	return 0.5 + 0.5*unit(rnd)
}

func unit(rnd func() float64) float64 {
	if rnd == nil {
		return 1
	}
	v := rnd()
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
