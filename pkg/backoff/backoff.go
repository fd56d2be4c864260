// Package backoff computes retry and reconnect delays.
package backoff

import (
	"math/rand"
	"time"
)

// Policy maps an attempt number to a delay using exponential growth with a
// ceiling and additive jitter:
//
//	Delay(n) = min(Base * 2^n, Ceiling) + uniform(0, 10% of the clamped value)
//
// Jitter is only ever added, so the clamped exponential term is a lower bound.
// A Policy holds no mutable state; the delivery retry path and the realtime
// reconnect path each carry their own instance.
type Policy struct {
	// Base is the delay before the first retry (attempt 0).
	Base time.Duration
	// Ceiling caps the exponential term before jitter is applied.
	Ceiling time.Duration
	// MaxAttempts is the attempt budget enforced by callers; Delay itself
	// accepts any attempt number.
	MaxAttempts int

	// roll overrides the jitter source in tests. Must return a value in [0, 1).
	roll func() float64
}

// Delay returns the wait before the given 0-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Ceiling > 0 && d >= p.Ceiling {
			break
		}
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}

	r := rand.Float64()
	if p.roll != nil {
		r = p.roll()
	}
	return d + time.Duration(r*0.1*float64(d))
}
