package dispatch

import (
	"math"
	"time"
)

// Backoff returns the delay before the retry that follows attempt n of a chain:
// base * 2^(n-1), scaled by 1 + jitter*fraction and capped at max.
// jitter is expected in [-1, 1].
func Backoff(n int, base, max time.Duration, fraction, jitter float64) time.Duration {
	if n < 1 {
		n = 1
	}
	if jitter < -1 {
		jitter = -1
	} else if jitter > 1 {
		jitter = 1
	}

	d := float64(base) * math.Pow(2, float64(n-1))
	d *= 1 + jitter*fraction
	if d > float64(max) {
		return max
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
