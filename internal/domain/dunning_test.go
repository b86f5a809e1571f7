package domain

import (
	"sync"
	"testing"
	"time"
)

func TestRetryPolicy_NextDelayDoublesToCap(t *testing.T) {
	policy := NewRetryPolicy(4*time.Hour, 48*time.Hour, 5, 0, 1)

	expected := []time.Duration{
		4 * time.Hour,
		8 * time.Hour,
		16 * time.Hour,
		32 * time.Hour,
		48 * time.Hour,
		48 * time.Hour,
	}
	for retryCount, want := range expected {
		if got := policy.NextDelay(retryCount); got != want {
			t.Errorf("NextDelay(%d) = %s, want %s", retryCount, got, want)
		}
	}

	if got := policy.NextDelay(-1); got != 4*time.Hour {
		t.Errorf("NextDelay(-1) = %s, want base delay", got)
	}
}

func TestRetryPolicy_JitterBoundedAndSeeded(t *testing.T) {
	policy := NewRetryPolicy(time.Hour, 8*time.Hour, 5, 0.2, 42)

	for retryCount := 0; retryCount < 4; retryCount++ {
		base := NewRetryPolicy(time.Hour, 8*time.Hour, 5, 0, 42).NextDelay(retryCount)
		got := policy.NextDelay(retryCount)
		if got < base {
			t.Errorf("NextDelay(%d) = %s, below un-jittered delay %s", retryCount, got, base)
		}
		if max := base + time.Duration(0.2*float64(base)); got > max {
			t.Errorf("NextDelay(%d) = %s, above jitter ceiling %s", retryCount, got, max)
		}
	}

	// Same seed, same sequence.
	first := NewRetryPolicy(time.Hour, 8*time.Hour, 5, 0.2, 7)
	second := NewRetryPolicy(time.Hour, 8*time.Hour, 5, 0.2, 7)
	for retryCount := 0; retryCount < 4; retryCount++ {
		if a, b := first.NextDelay(retryCount), second.NextDelay(retryCount); a != b {
			t.Errorf("seeded policies diverged at retry %d: %s vs %s", retryCount, a, b)
		}
	}
}

// One policy instance is shared between HTTP handlers and cron jobs, so
// concurrent NextDelay calls must be safe. Run with -race.
func TestRetryPolicy_ConcurrentNextDelay(t *testing.T) {
	policy := NewRetryPolicy(time.Hour, 8*time.Hour, 5, 0.2, 42)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if got := policy.NextDelay(i % 4); got < time.Hour {
					t.Errorf("NextDelay returned %s, below base delay", got)
				}
			}
		}()
	}
	wg.Wait()
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	policy := NewRetryPolicy(time.Hour, 8*time.Hour, 3, 0, 1)

	for retryCount := 0; retryCount < 3; retryCount++ {
		if policy.Exhausted(retryCount) {
			t.Errorf("Exhausted(%d) = true with budget of 3", retryCount)
		}
	}
	if !policy.Exhausted(3) {
		t.Error("Exhausted(3) = false with budget of 3")
	}
	if !policy.Exhausted(4) {
		t.Error("Exhausted(4) = false with budget of 3")
	}
}
