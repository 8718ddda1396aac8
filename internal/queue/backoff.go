package queue

import (
	"math/rand"
	"time"
)

// computeBackoff returns an exponentially increasing delay with ±25% jitter.
// Base = 5s, max = 10m, exponent capped to prevent integer overflow. The
// rand source is injected so retry scheduling is deterministic in tests.
func computeBackoff(rng *rand.Rand, attempt int) time.Duration {
	base := 5 * time.Second
	maxDelay := 10 * time.Minute
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > maxDelay {
		d = maxDelay
	}
	if rng == nil {
		return d
	}
	jitter := time.Duration(rng.Int63n(int64(d/2))) - d/4
	return d + jitter
}
