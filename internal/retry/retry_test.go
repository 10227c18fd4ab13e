// ABOUTME: Tests for the retry policy
// ABOUTME: Covers attempt counting, non-retryable errors, backoff growth, and cancellation

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestPolicy_SucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_NonRetryableStopsImmediately(t *testing.T) {
	terminal := errors.New("terminal")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return terminal
	})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}

func TestPolicy_CancelDuringBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Hour }}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestExponential(t *testing.T) {
	backoff := Exponential(4*time.Second, 10*time.Second)

	assert.Equal(t, 4*time.Second, backoff(1))
	assert.Equal(t, 8*time.Second, backoff(2))
	assert.Equal(t, 10*time.Second, backoff(3))
	assert.Equal(t, 10*time.Second, backoff(50))
}

func TestWithJitter_StaysWithinTenPercent(t *testing.T) {
	backoff := WithJitter(Exponential(time.Second, time.Minute))

	for i := 1; i <= 5; i++ {
		base := Exponential(time.Second, time.Minute)(i)
		got := backoff(i)
		assert.InDelta(t, float64(base), float64(got), float64(base)/10)
	}
}
