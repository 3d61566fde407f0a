package worker

import (
	"math/rand"
	"time"
)

const (
	backoffMultiplier = 2.0
	backoffJitter     = 0.25
)

// backoff is a truncated exponential delay with jitter, between initial and
// max. It is used only from the worker goroutine.
type backoff struct {
	initial time.Duration
	max     time.Duration
	base    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, base: initial}
}

// next returns the delay for this failure, base ±25% but never above max,
// and grows the base for the next one.
func (b *backoff) next() time.Duration {
	spread := float64(b.base) * backoffJitter
	d := time.Duration(float64(b.base) + spread*(2*rand.Float64()-1)) //nolint:gosec // not crypto
	b.base = min(time.Duration(float64(b.base)*backoffMultiplier), b.max)
	return min(max(d, 0), b.max)
}

// reset returns the base to initial after a successful send.
func (b *backoff) reset() {
	b.base = b.initial
}
