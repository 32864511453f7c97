package engine

import (
	"testing"
	"time"

	"github.com/leaderpass/conductor/internal/recipe"
)

func TestRetryDelayGrowthAndCap(t *testing.T) {
	policy := recipe.RetryPolicy{
		MaxAttempts:    5,
		InitialDelayMS: 100,
		BackoffFactor:  2,
		MaxDelayMS:     400,
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		if got := retryDelay(i+1, policy, "seed"); got != w {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryDelayDefaultsFactor(t *testing.T) {
	policy := recipe.RetryPolicy{MaxAttempts: 3, InitialDelayMS: 50}
	if got := retryDelay(2, policy, "seed"); got != 100*time.Millisecond {
		t.Fatalf("delay = %v, want 100ms with default factor 2", got)
	}
}

func TestRetryDelayZeroInitialIsImmediate(t *testing.T) {
	policy := recipe.RetryPolicy{MaxAttempts: 3}
	if got := retryDelay(1, policy, "seed"); got != 0 {
		t.Fatalf("delay = %v, want 0", got)
	}
}

func TestRetryDelayJitterIsDeterministic(t *testing.T) {
	policy := recipe.RetryPolicy{
		MaxAttempts:    3,
		InitialDelayMS: 1000,
		BackoffFactor:  2,
		Jitter:         true,
	}
	seed := "job-1:transcribe:1"
	first := retryDelay(1, policy, seed)
	second := retryDelay(1, policy, seed)
	if first != second {
		t.Fatalf("same seed produced %v then %v", first, second)
	}
	lo, hi := 500*time.Millisecond, 1500*time.Millisecond
	if first < lo || first >= hi {
		t.Fatalf("jittered delay %v outside [%v, %v)", first, lo, hi)
	}
}

func TestRetryDelayClampsAttempt(t *testing.T) {
	policy := recipe.RetryPolicy{MaxAttempts: 3, InitialDelayMS: 100, BackoffFactor: 2}
	if got := retryDelay(0, policy, "seed"); got != 100*time.Millisecond {
		t.Fatalf("attempt 0 delay = %v, want the first-attempt delay", got)
	}
}

func TestStepTrace(t *testing.T) {
	if got := stepTrace("j1", "s1", 3); got != "j1:s1:3" {
		t.Fatalf("trace = %q", got)
	}
}
