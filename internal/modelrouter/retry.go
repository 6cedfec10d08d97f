package modelrouter

import (
	"errors"
	"math/rand"
	"time"
)

// RetryAfterError is an optional interface a provider error can implement to
// supply a server-dictated backoff (e.g. an HTTP Retry-After header), which
// takes precedence over the computed full-jitter delay.
type RetryAfterError interface {
	RetryAfterHint() (time.Duration, bool)
}

// fullJitterDelay draws delay = uniform(0, min(base*2^attempt, maxDelay)),
// the backoff used for rate-limited and timed-out attempts.
func fullJitterDelay(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	cap := shiftCapped(base, attempt)
	if cap > maxDelay {
		cap = maxDelay
	}
	if cap <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(cap) + 1))
}

// shiftCapped computes base*2^attempt, saturating instead of overflowing.
func shiftCapped(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	const maxShift = 32
	if attempt > maxShift {
		attempt = maxShift
	}
	d := base
	for i := 0; i < attempt; i++ {
		next := d * 2
		if next < d { // overflow
			return time.Duration(1<<63 - 1)
		}
		d = next
	}
	return d
}

// backoffFor resolves the delay for a backoff action: the error's declared
// Retry-After if present, otherwise the full-jitter formula.
func backoffFor(err error, base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		if d, ok := ra.RetryAfterHint(); ok {
			return d
		}
	}
	return fullJitterDelay(base, attempt, maxDelay)
}
