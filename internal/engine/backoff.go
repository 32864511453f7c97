package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/leaderpass/conductor/internal/recipe"
)

// retryDelay computes the wait before re-queueing a step after its Nth
// failed attempt (attempt is 1-indexed). Jitter, when enabled, is derived
// deterministically from the seed so identical runs replay identically.
func retryDelay(attempt int, policy recipe.RetryPolicy, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if policy.InitialDelayMS <= 0 {
		return 0
	}

	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	delayMS := float64(policy.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if policy.MaxDelayMS > 0 {
		delayMS = math.Min(delayMS, float64(policy.MaxDelayMS))
	}

	// Jitter after capping, scaling into [0.5, 1.5).
	if policy.Jitter {
		delayMS *= 0.5 + jitterUnit(seed)
	}
	if delayMS < 0 {
		delayMS = 0
	}
	return time.Duration(delayMS * float64(time.Millisecond))
}

// jitterUnit maps a seed onto [0, 1) stably across runs.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// stepTrace composes the end-to-end trace id for one step attempt.
func stepTrace(jobID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", jobID, stepID, attempt)
}
