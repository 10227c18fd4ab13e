// ABOUTME: Long-poll ingestion loop pulling upstream events and feeding the inbound handler
// ABOUTME: Advances the cursor per handled event and backs off on fetch failures

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Defaults applied to zero PollerConfig fields.
const (
	DefaultMaxWait          = 30 * time.Second
	DefaultBatchSize        = 100
	DefaultErrorBackoff     = 60 * time.Second
	DefaultMaxEventAttempts = 3
	DefaultEventTimeout     = 30 * time.Second
)

// Message is the ingestible content of an upstream event.
type Message struct {
	ExternalID string
	Name       string
	Body       string
	Attachment *store.Attachment
	SentAt     time.Time
}

// Event is one upstream update. Message is nil for updates that carry
// nothing to ingest; the cursor still moves past them.
type Event struct {
	ID      int64
	Message *Message
}

// Source fetches events with ids greater than after, waiting up to maxWait
// for at least one to arrive.
type Source interface {
	GetEvents(ctx context.Context, after int64, maxWait time.Duration, limit int) ([]Event, error)
}

// Handler processes one event.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	MaxWait          time.Duration
	BatchSize        int
	ErrorBackoff     time.Duration
	MaxEventAttempts int
	EventTimeout     time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.MaxEventAttempts <= 0 {
		c.MaxEventAttempts = DefaultMaxEventAttempts
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = DefaultEventTimeout
	}
	return c
}

// Poller runs the ingestion loop.
type Poller struct {
	source  Source
	handler Handler
	cursor  *Cursor
	cfg     PollerConfig
	logger  *slog.Logger

	// failedID and failedAttempts track the event currently failing.
	failedID       int64
	failedAttempts int
}

// NewPoller creates a Poller. Pass nil logger for default.
func NewPoller(source Source, handler Handler, cursor *Cursor, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:  source,
		handler: handler,
		cursor:  cursor,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled. A batch already fetched when ctx is
// cancelled is processed to the end before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "cursor", p.cursor.Value())
	defer p.logger.Info("poller stopped", "cursor", p.cursor.Value())

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("poll cycle failed", "error", err, "retry_in", p.cfg.ErrorBackoff)
			if !sleep(ctx, p.cfg.ErrorBackoff) {
				return nil
			}
		}
	}
}

// Poll runs one fetch-and-process cycle.
func (p *Poller) Poll(ctx context.Context) error {
	events, err := p.source.GetEvents(ctx, p.cursor.Value(), p.cfg.MaxWait, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}

	work := context.WithoutCancel(ctx)
	for _, ev := range events {
		if ev.ID <= p.cursor.Value() {
			continue
		}

		if err := p.handle(work, ev); err != nil {
			attempts := p.recordFailure(ev.ID)
			if attempts < p.cfg.MaxEventAttempts {
				return fmt.Errorf("handling event %d (attempt %d): %w", ev.ID, attempts, err)
			}
			p.logger.Error("skipping event after repeated failures",
				"event_id", ev.ID, "attempts", attempts, "error", err)
		}
		p.clearFailure()

		if _, err := p.cursor.Advance(work, ev.ID); err != nil {
			p.logger.Warn("persisting cursor failed", "event_id", ev.ID, "error", err)
		}
	}

	return nil
}

func (p *Poller) handle(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	defer cancel()
	return p.handler.HandleEvent(ctx, ev)
}

func (p *Poller) recordFailure(id int64) int {
	if p.failedID != id {
		p.failedID = id
		p.failedAttempts = 0
	}
	p.failedAttempts++
	return p.failedAttempts
}

func (p *Poller) clearFailure() {
	p.failedID = 0
	p.failedAttempts = 0
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
