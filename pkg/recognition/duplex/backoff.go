package duplex

import "time"

// backoff yields exponentially growing delays: initial, 2×initial, ... capped
// at max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{initial: initial, max: maxDelay, next: initial}
}

// Next returns the delay to wait now and advances the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restarts the schedule after a successful connection.
func (b *backoff) Reset() { b.next = b.initial }
