package forward

import (
	"context"
	"time"
)

// RetryPolicy bounds how often and how patiently an operation is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff returns the delay before retry n (1-based).
	Backoff func(retry int) time.Duration
}

// FixedDelay retries up to retries times, waiting d before each.
func FixedDelay(retries int, d time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: retries,
		Backoff:    func(int) time.Duration { return d },
	}
}

// LinearBackoff waits base + retry*step before each retry.
func LinearBackoff(retries int, base, step time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: retries,
		Backoff: func(retry int) time.Duration {
			return base + time.Duration(retry)*step
		},
	}
}

// Attempts is the total number of tries the policy allows.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// Wait sleeps before retry n. It returns the context's error if the context
// ends first, so a retry for a destroyed session is dropped.
func (p RetryPolicy) Wait(ctx context.Context, retry int) error {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(retry)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
