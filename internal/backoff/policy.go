// Package backoff provides exponential backoff with jitter for transport
// and store retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the computed delay.
	MaxInterval time.Duration
	// Multiplier is the exponential factor applied per attempt.
	Multiplier float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Default returns the policy used for transient transport errors.
// Initial: 100ms, max: 30s, multiplier: 2, jitter: 10%.
func Default() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

// Gentle returns the policy used when a provider signals overload: longer
// initial delay, stronger growth.
// Initial: 500ms, max: 60s, multiplier: 2.5, jitter: 20%.
func Gentle() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.5,
		Jitter:          0.2,
	}
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is base = initial * multiplier^(attempt-1), plus
// base * jitter * random(), clamped to MaxInterval. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Deterministic, for tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.InitialInterval) * math.Pow(p.Multiplier, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.MaxInterval), base+jitter)
	return time.Duration(total)
}
