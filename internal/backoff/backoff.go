// Package backoff computes retry delays for provider calls: exponential
// growth with jitter, capped at a maximum, plus a context-aware sleep.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes one retry ladder. Attempts count from 1.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps any single delay. Zero means uncapped.
	Max time.Duration

	// Factor is the growth per attempt.
	Factor float64

	// Jitter is the fraction of the base delay added at random, 0 to 1.
	Jitter float64
}

// Provider is the ladder used for LLM provider retries.
func Provider(initial time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	return Policy{
		Initial: initial,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before the given retry.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delay takes the random value as a parameter so tests are deterministic.
func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	base := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	total := base + base*p.Jitter*random
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(total)
}

// Sleep waits out the delay for attempt, returning ctx.Err() when the
// context ends first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
