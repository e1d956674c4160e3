package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the CAS retry loop. Backoff is exponential from
// BaseDelay up to MaxDelay, with full jitter so contending writers spread
// out instead of colliding on the same schedule.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy suits short interactive operations: at most five
// re-reads with sub-second total sleep in the common case.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  5 * time.Millisecond,
	MaxDelay:   250 * time.Millisecond,
}

// normalize fills zero fields from the default policy.
func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// backoff returns the sleep before retry attempt n (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter: anywhere in (0, d].
	return time.Duration(rand.Int64N(int64(d))) + 1
}

// sleep waits for the backoff of the given attempt or until ctx is done.
// Nothing has been written when it returns an error, so abandoning the
// retry loop here is side-effect free.
func (p RetryPolicy) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
