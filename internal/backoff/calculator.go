package backoff

import (
	"math/rand/v2"
	"time"
)

// Calculator binds a Strategy to a source of randomness so callers only
// supply the attempt number and bounds.
type Calculator struct {
	strategy Strategy
	rnd      func() float64
}

// NewCalculator creates a calculator. A nil rnd uses math/rand/v2.
func NewCalculator(strategy Strategy, rnd func() float64) *Calculator {
	if strategy == nil {
		strategy = ExponentialStrategy{}
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Calculator{
		strategy: strategy,
		rnd:      rnd,
	}
}

// Delay computes the wait after failed attempt number attempt.
func (c *Calculator) Delay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	return c.strategy.Delay(attempt, base, max, jitter, c.rnd)
}

// Strategy returns the strategy in use.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// NewExponential returns a calculator using ExponentialStrategy.
func NewExponential(rnd func() float64) *Calculator {
	return NewCalculator(ExponentialStrategy{}, rnd)
}

// NewDecorrelated returns a calculator using DecorrelatedStrategy.
func NewDecorrelated(rnd func() float64) *Calculator {
	return NewCalculator(DecorrelatedStrategy{}, rnd)
}
