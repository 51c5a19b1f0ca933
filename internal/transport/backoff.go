package transport

import (
	"net/http"
	"strconv"
	"time"
)

// backoff tracks the exponential inter-attempt delay. The next value
// doubles until it reaches the cap; the overflow guard pins it to the cap
// once doubling could pass (or wrap around) it, so growth is monotonic and
// bounded for any valid duration.
type backoff struct {
	current time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{current: initial, max: max}
}

// delay returns the wait before the next attempt and advances the backoff.
// A server-provided Retry-After overrides the backoff value; either way
// the result is clamped to [0, max].
func (b *backoff) delay(retryAfter time.Duration, hasRetryAfter bool) time.Duration {
	d := b.current
	if hasRetryAfter {
		d = retryAfter
	}
	if d < 0 {
		d = 0
	}
	if d > b.max {
		d = b.max
	}
	b.advance()
	return d
}

func (b *backoff) advance() {
	if b.current >= b.max || b.current > b.max/2 {
		b.current = b.max
		return
	}
	b.current *= 2
}

// parseRetryAfter understands both Retry-After forms: delta-seconds and
// HTTP-date. Past deadlines clamp to zero.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if date, err := http.ParseTime(value); err == nil {
		d := date.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
