// Package retry configures backoff policies from plain config values.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many times an operation is attempted and how long to wait in between.
// A zero Multiplier means a fixed delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// NoDelay is a policy suitable for tests.
func NoDelay(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

// Permanent marks err as not retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return backoff.Retry(func() error { return fn(ctx) }, p.BackOff(ctx))
}

// BackOff returns the schedule of waits between attempts, stopping after MaxAttempts or when ctx is done.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch {
	case p.Delay <= 0:
		b = &backoff.ZeroBackOff{}
	case p.Multiplier <= 1:
		b = backoff.NewConstantBackOff(p.Delay)
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		b = eb
	}

	retries := uint64(max(p.MaxAttempts, 1) - 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
