package transport

import (
	"math"
	"math/rand"
	"time"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// computeBackoff returns an exponential backoff with full jitter for
// the given zero-based attempt number, clamped to maxBackoff. If the
// provider supplied a Retry-After duration, that takes precedence —
// the provider knows its own recovery window better than a guess does.
func computeBackoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
