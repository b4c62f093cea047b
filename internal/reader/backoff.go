package reader

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(base*2^attempt, cap) plus up to
// 25% jitter, never above cap. Within one failure streak the returned
// delay never decreases.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
	rng     *rand.Rand
}

func NewBackoff(base, cap time.Duration) *Backoff {
	return &Backoff{
		base: base,
		cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the current attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.cap
	if shift := b.attempt; shift < 32 {
		if d := b.base << uint(shift); d < b.cap {
			delay = d
		}
	}
	b.attempt++

	jittered := delay + time.Duration(b.rng.Float64()*0.25*float64(delay))
	if jittered > b.cap {
		jittered = b.cap
	}
	return jittered
}

// Attempt returns the number of delays handed out in this streak.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the streak after a sustained healthy connection.
func (b *Backoff) Reset() { b.attempt = 0 }
