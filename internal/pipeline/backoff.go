package pipeline

import "time"

// Backoff computes exponential reopen delays: base, 2*base, 4*base, ...
// capped at max
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and never exceeding max
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	b.attempt++
	delay := b.base
	for i := 1; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max
		}
	}
	return delay
}

// Reset starts the sequence over after a success
func (b *Backoff) Reset() {
	b.attempt = 0
}
