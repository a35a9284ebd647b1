package tunnel

import (
	"math/rand"
	"time"
)

// backoff computes reconnect delays: base * 2^attempt with jitter, capped at
// max. The attempt counter resets after any sufficiently long connected
// period, so a flaky hour does not penalize the next blip.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// next returns the delay before the following attempt and advances the
// counter. The returned delay is in [d/2, d) for the capped exponential d,
// which keeps a fleet of agents from reconnecting in lockstep.
func (b *backoff) next() time.Duration {
	d := b.base << uint(b.attempt)
	if d > b.max || d <= 0 {
		d = b.max
	}
	if b.attempt < 30 {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (b *backoff) reset() {
	b.attempt = 0
}

func (b *backoff) attempts() int {
	return b.attempt
}
