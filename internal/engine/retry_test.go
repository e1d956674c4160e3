package engine

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyNormalize(t *testing.T) {
	p := RetryPolicy{}.normalize()
	if p != DefaultRetryPolicy {
		t.Errorf("normalize zero = %+v, want defaults %+v", p, DefaultRetryPolicy)
	}

	custom := RetryPolicy{MaxRetries: 10, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	if got := custom.normalize(); got != custom {
		t.Errorf("normalize should keep explicit values, got %+v", got)
	}
}

func TestBackoffStaysWithinCap(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond}
	for attempt := 0; attempt < 20; attempt++ {
		d := p.backoff(attempt)
		if d <= 0 || d > p.MaxDelay {
			t.Fatalf("backoff(%d) = %v, want in (0, %v]", attempt, d, p.MaxDelay)
		}
	}
}

func TestBackoffHandlesShiftOverflow(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour}.normalize()
	// A large attempt number overflows the shift; the cap must still hold.
	if d := p.backoff(62); d <= 0 || d > p.MaxDelay {
		t.Fatalf("backoff(62) = %v, want in (0, %v]", d, p.MaxDelay)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.sleep(ctx, 0); err != context.Canceled {
		t.Fatalf("sleep on canceled ctx = %v, want context.Canceled", err)
	}
}
