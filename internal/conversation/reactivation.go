// ABOUTME: Periodic sweep returning silent handover requests to the automated responder
// ABOUTME: Candidates are re-checked in their own transaction so fresh client traffic wins

package conversation

import (
	"context"
	"log/slog"
	"time"
)

// Reactivation defaults.
const (
	DefaultReactivationInterval  = time.Minute
	DefaultReactivationThreshold = 30 * time.Minute
)

// Reactivator hands conversations stuck in AWAITING_MANAGER back to the
// responder once the client has been silent for longer than the threshold.
// Reactivation is silent: no message goes upstream.
type Reactivator struct {
	svc       *Service
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewReactivator creates a reactivator for svc.
func NewReactivator(svc *Service, interval, threshold time.Duration, logger *slog.Logger) *Reactivator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReactivationInterval
	}
	if threshold <= 0 {
		threshold = DefaultReactivationThreshold
	}
	return &Reactivator{
		svc:       svc,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With("component", "reactivator"),
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reactivator) Run(ctx context.Context) error {
	r.logger.Info("reactivation timer started", "interval", r.interval, "threshold", r.threshold)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactivation timer stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reactivation sweep failed", "error", err)
			}
		}
	}
}

// Sweep reactivates every eligible conversation and returns how many
// changed. A failure on one conversation does not stop the sweep.
func (r *Reactivator) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.threshold)

	candidates, err := r.svc.store.ListAwaitingSilentSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reactivated := 0
	for _, conv := range candidates {
		ok, err := r.svc.ReactivateIfSilent(ctx, conv.ID, cutoff)
		if err != nil {
			r.logger.Warn("reactivating conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		if ok {
			reactivated++
		}
	}

	if reactivated > 0 {
		r.logger.Info("reactivation sweep", "candidates", len(candidates), "reactivated", reactivated)
	}
	return reactivated, nil
}
