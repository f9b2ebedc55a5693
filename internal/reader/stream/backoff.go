package stream

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff returns the delay before retry attempt n (zero based):
// min(base * 2^n, max), without jitter.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	b := backoff.Backoff{Min: base, Max: max, Factor: 2}
	return b.ForAttempt(float64(n))
}

// Schedule lists the delays the manager will use before giving up.
func Schedule(maxRetries int, base, max time.Duration) []time.Duration {
	out := make([]time.Duration, 0, maxRetries)
	for n := 0; n < maxRetries; n++ {
		out = append(out, Backoff(n, base, max))
	}
	return out
}
