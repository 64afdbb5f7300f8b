package retry

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Declarative retry policies
// Retry behavior is a named value passed into each retryable operation, so
// callers state their budget once instead of nesting ad hoc sleep loops.
// ---------------------------------------------------------------------------

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffLinear
	BackoffExponential
)

// Policy is a bounded retry budget.
type Policy struct {
	Attempts int           `yaml:"attempts"`  // total attempts, including the first
	Delay    time.Duration `yaml:"delay"`     // base delay between attempts
	MaxDelay time.Duration `yaml:"max_delay"` // cap for growing backoff shapes
	Shape    Backoff       `yaml:"-"`
}

// Fixed returns a fixed-delay policy.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Shape: BackoffFixed}
}

// Linear returns a linearly growing policy (delay, 2*delay, 3*delay...).
func Linear(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Shape: BackoffLinear}
}

// Exponential returns a doubling policy capped at maxDelay.
func Exponential(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, MaxDelay: maxDelay, Shape: BackoffExponential}
}

// DelayFor returns the delay to wait before attempt n (n starts at 1;
// there is no delay before the first attempt).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	var d time.Duration
	switch p.Shape {
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt-1)
	case BackoffExponential:
		d = p.Delay << uint(attempt-2)
	default:
		d = p.Delay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn under policy p.
func Do(ctx context.Context, p Policy, fn func(attempt int) (retryable bool, err error)) error {
	return p.Do(ctx, fn)
}

// Do runs fn up to p.Attempts times, sleeping per the policy between
// attempts. It stops early when fn returns retry=false or ctx is cancelled.
// The last error (or nil on success) is returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (retryable bool, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d := p.DelayFor(attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}
