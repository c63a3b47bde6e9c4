package transport

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before dial attempt+1 (attempt is 1-based). The
// delay grows by Multiplier up to MaxDelay; with Jitter and a non-nil rng it
// is drawn from [d/2, d]. A positive remaining caps the result so the last
// retry lands inside the startup window.
func (b BackoffConfig) Delay(attempt int, remaining time.Duration, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	grown := float64(b.InitialDelay)
	if attempt > 1 {
		grown *= math.Pow(math.Max(b.Multiplier, 1), float64(attempt-1))
	}
	if b.MaxDelay > 0 {
		grown = math.Min(grown, float64(b.MaxDelay))
	}
	if grown > float64(math.MaxInt64/2) {
		grown = float64(math.MaxInt64 / 2)
	}
	d := time.Duration(grown)
	if b.Jitter && rng != nil {
		half := d / 2
		d = half + time.Duration(rng.Int63n(int64(d-half)+1))
	}
	if remaining > 0 && d > remaining {
		d = remaining
	}
	return d
}
