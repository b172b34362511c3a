package workflow

import (
	"math/rand"
	"sync"
	"time"

	"loom/internal/pipeline"
)

// jitterFraction bounds the random slice added to each retry delay so
// simultaneous failures do not redeliver in lockstep against the GPU
// service.
const jitterFraction = 0.2

// backoff computes per-stage retry delays: base doubled per failed attempt,
// capped at the stage maximum, plus jitter.
type backoff struct {
	// base and cap override every stage's declared policy when base is
	// positive. Tests use this to keep retries fast.
	base time.Duration
	cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{
		base: base,
		cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay returns how long to wait before re-emitting a stage whose given
// attempt just failed.
func (b *backoff) delay(def pipeline.Definition, attempt int) time.Duration {
	base := def.BackoffBase
	maxDelay := def.BackoffCap
	if b.base > 0 {
		base = b.base
		maxDelay = b.cap
	}
	delay := exponentialDelay(base, maxDelay, attempt)
	if delay <= 0 {
		return 0
	}

	b.mu.Lock()
	jitter := b.rng.Float64()
	b.mu.Unlock()
	return delay + time.Duration(jitter*jitterFraction*float64(delay))
}

func exponentialDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
