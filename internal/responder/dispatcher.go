// ABOUTME: Circuit-breaking dispatcher for the automated responder
// ABOUTME: Retries transient failures, opens after consecutive failures, and never returns an error

package responder

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/2389/switchboard/internal/retry"
)

// Defaults applied to zero Config fields.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxAttempts      = 3
	DefaultBackoffMin       = 4 * time.Second
	DefaultBackoffMax       = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultCooldown         = time.Minute
)

// Config tunes a Dispatcher.
type Config struct {
	Timeout          time.Duration // per attempt
	MaxAttempts      int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	FailureThreshold int           // consecutive failed dispatches that open the circuit
	Cooldown         time.Duration // open time before a trial call is let through
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffMin)
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Dispatcher sends requests to a Backend behind a circuit breaker.
type Dispatcher struct {
	backend Backend
	cfg     Config
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	failures int
	open     bool
	openedAt time.Time
	trial    bool
}

// NewDispatcher creates a Dispatcher. Pass nil logger for default.
func NewDispatcher(backend Backend, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		backend: backend,
		cfg:     cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     retry.WithJitter(retry.Exponential(cfg.BackoffMin, cfg.BackoffMax)),
			Retryable:   IsTransient,
		},
		logger: logger.With("component", "dispatcher"),
		now:    time.Now,
	}
}

// Dispatch returns the backend's answer, or the fallback response when the
// circuit is open or every attempt failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	ok, trial := d.allow()
	if !ok {
		d.logger.Debug("circuit open, returning fallback", "conversation_id", req.ConversationID)
		return Fallback("circuit open")
	}

	var raw []byte
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		body, err := d.backend.Call(attemptCtx, req)
		if err != nil {
			d.logger.Debug("responder attempt failed", "conversation_id", req.ConversationID, "error", err)
			return err
		}
		raw = body
		return nil
	})

	if err != nil && ctx.Err() != nil {
		d.release(trial)
		return Fallback("cancelled")
	}
	if err != nil {
		d.recordFailure(err, trial)
		return Fallback("AI service unavailable")
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		d.recordFailure(err, trial)
		return Fallback("invalid response")
	}

	d.recordSuccess()
	return resp
}

// State returns the consecutive failure count and whether the circuit is open.
func (d *Dispatcher) State() (failures int, open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures, d.open
}

// allow reports whether a call may go out, and whether it is the half-open
// trial. After the cooldown a single trial call is admitted while the circuit
// stays open for everyone else.
func (d *Dispatcher) allow() (ok, trial bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return true, false
	}
	if d.trial || d.now().Sub(d.openedAt) < d.cfg.Cooldown {
		return false, false
	}
	d.trial = true
	d.logger.Info("circuit half-open, sending trial call")
	return true, true
}

// recordFailure counts a failed dispatch. Only the trial call restarts the
// cooldown and frees the trial slot; calls that were already in flight when
// the circuit opened just add to the count.
func (d *Dispatcher) recordFailure(err error, trial bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures++
	if trial {
		d.trial = false
	}

	switch {
	case d.open && trial:
		d.openedAt = d.now()
		d.logger.Warn("trial call failed, circuit stays open", "failures", d.failures, "error", err)
	case d.open:
		d.logger.Debug("in-flight dispatch failed while circuit open", "failures", d.failures, "error", err)
	case d.failures >= d.cfg.FailureThreshold:
		d.open = true
		d.openedAt = d.now()
		d.logger.Warn("circuit opened", "failures", d.failures, "error", err)
	default:
		d.logger.Warn("responder dispatch failed", "failures", d.failures, "error", err)
	}
}

func (d *Dispatcher) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		d.logger.Info("circuit closed")
	}
	d.failures = 0
	d.open = false
	d.trial = false
}

// release gives back a trial slot without judging the backend.
func (d *Dispatcher) release(trial bool) {
	if !trial {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trial = false
}

// IsTransient reports whether err is worth retrying. Only connect failures
// and timeouts are; TLS, protocol, HTTP status, and payload errors are
// terminal.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
