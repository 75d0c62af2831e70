package adapters

import (
	"math"
	"time"
)

// retryBackoff produces the delay sequence the poll loop sleeps between
// failed polls: doubling from initial, jittered, capped at max. It tracks
// the consecutive-failure count itself; reset rearms it after a success.
// The uniform [0,1) draw is injected so tests stay deterministic.
type retryBackoff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	rng     func() float64

	failures int
}

func newRetryBackoff(initial, max time.Duration, jitter float64, rng func() float64) *retryBackoff {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if jitter > 1 {
		jitter = 1
	}
	return &retryBackoff{initial: initial, max: max, jitter: jitter, rng: rng}
}

// next returns the delay before the upcoming retry and advances the
// failure count.
func (b *retryBackoff) next() time.Duration {
	delay := float64(b.initial) * math.Pow(2, float64(b.failures))
	b.failures++
	if b.jitter > 0 && b.rng != nil {
		delay *= 1 + (b.rng()*2-1)*b.jitter
	}
	if b.max > 0 && delay > float64(b.max) {
		delay = float64(b.max)
	}
	return time.Duration(delay)
}

// reset rearms the sequence after a successful poll.
func (b *retryBackoff) reset() { b.failures = 0 }

// attempt reports how many consecutive polls have failed.
func (b *retryBackoff) attempt() int { return b.failures }
