package runner

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing reconnect delays with jitter so a
// fleet of runners does not stampede a recovering broker.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// next returns the delay for the upcoming retry: base doubled per attempt,
// capped at max, with up to 25% random jitter subtracted.
func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d - jitter
}

// reset restarts the progression after a healthy session.
func (b *backoff) reset() {
	b.attempt = 0
}
