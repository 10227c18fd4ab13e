// Package retry runs an operation under a bounded retry Policy.
//
//	p := retry.Policy{
//		MaxAttempts: 3,
//		Backoff:     retry.WithJitter(retry.Exponential(4*time.Second, 10*time.Second)),
//		Retryable:   responder.IsTransient,
//	}
//	err := p.Do(ctx, call)
//
// Do stops at the first success, the first error Retryable rejects, or when
// ctx ends during a backoff wait. It returns the last error seen.
package retry
