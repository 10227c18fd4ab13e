// ABOUTME: Retry policy with bounded attempts, exponential backoff, and a retryable predicate
// ABOUTME: Separates retry mechanics from the circuit breaker that consumes it

package retry

import (
	"context"
	"time"
)

// Retry constants.
const (
	// jitterDivisor is used to calculate jitter (10% jitter).
	jitterDivisor = 10
	// halfDivisor is used to divide values by 2.
	halfDivisor = 2
	// maxShift prevents overflow when doubling.
	maxShift = 30
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Backoff returns the wait before the given retry (1 for the first retry).
	Backoff func(retry int) time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// Exponential returns a backoff doubling from min and capped at max.
func Exponential(min, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		delay := min
		for i := 1; i < retry && i < maxShift; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// WithJitter spreads delays by up to 10% around the base value.
func WithJitter(backoff func(int) time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		delay := backoff(retry)
		jitterRange := delay / jitterDivisor
		if jitterRange > 0 {
			jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
			delay += jitter - jitterRange/halfDivisor
		}
		return delay
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
