package common

import (
	"context"
	"time"
)

// Backoff is an exponential delay schedule
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry number attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done. It returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, ctx
// ends, or attempts run out. Exhaustion returns a *RetryExhaustedError.
func Retry(ctx context.Context, attempts int, b Backoff, op, address string, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		last = err

		if attempt < attempts && !Sleep(ctx, b.Delay(attempt)) {
			return ctx.Err()
		}
	}
	return &RetryExhaustedError{Op: op, Address: address, Attempts: attempts, Last: last}
}
