package nats

import (
	"math"
	"math/rand"
	"time"
)

// ExpBackoff returns 2^attempts seconds, capped at max, plus up to 1s of
// random jitter so clients that failed together don't retry together.
func ExpBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	delay := max
	if exp := math.Exp2(float64(attempts)); exp < max.Seconds() {
		delay = time.Duration(exp * float64(time.Second))
	}

	return delay + time.Duration(rand.Int63n(int64(time.Second)))
}
