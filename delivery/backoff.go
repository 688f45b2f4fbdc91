package delivery

import (
	"math/rand"
	"time"

	"github.com/opd-ai/meshlink/limits"
)

// backoffDelay computes the delay before retry attempt n (0-indexed):
// min(BackoffBase * 2^n * jitter, BackoffCap), with jitter drawn uniformly
// from [BackoffJitterMin, BackoffJitterMax] to avoid synchronized retry
// storms across nodes.
func backoffDelay(attempt int) time.Duration {
	base := limits.BackoffBase << uint(attempt)
	jitter := limits.BackoffJitterMin + rand.Float64()*(limits.BackoffJitterMax-limits.BackoffJitterMin)
	d := time.Duration(float64(base) * jitter)
	if d > limits.BackoffCap {
		d = limits.BackoffCap
	}
	return d
}
