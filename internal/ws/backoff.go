package ws

import "time"

// backoffDelay computes the reconnect delay for a retry attempt
// (0-based): exponential growth with half-width jitter, clamped to max
// only after jittering. The floor of each attempt equals the ceiling
// of the previous one, so consecutive delays never shrink even when
// max is not a power-of-two multiple of base. rnd must return a value
// in [0,1).
func backoffDelay(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	// Keep doubling past max: once d/2 >= max every delay is max.
	d := base
	for i := 0; i < attempt && d < 2*max; i++ {
		d *= 2
	}

	half := d / 2
	delay := half + time.Duration(rnd()*float64(half))
	if delay > max {
		delay = max
	}
	return delay
}
