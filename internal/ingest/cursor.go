// ABOUTME: Cursor value object marking the last upstream event that was fully processed
// ABOUTME: Advances monotonically and mirrors its value to durable storage

package ingest

import (
	"context"
	"fmt"
	"sync"
)

// CursorStore persists cursor values per source.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (int64, error)
	SaveCursor(ctx context.Context, source string, value int64) error
}

// Cursor is the exclusive lower bound for the next fetch. It only moves
// forward and only after an event has been handled.
type Cursor struct {
	mu     sync.Mutex
	source string
	value  int64
	store  CursorStore
}

// NewCursor creates an in-memory cursor starting at value.
func NewCursor(value int64) *Cursor {
	return &Cursor{value: value}
}

// LoadCursor restores the cursor for source from store. Later advances are
// written back to the same store.
func LoadCursor(ctx context.Context, source string, store CursorStore) (*Cursor, error) {
	value, err := store.GetCursor(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("loading cursor for %s: %w", source, err)
	}
	return &Cursor{source: source, value: value, store: store}, nil
}

// Value returns the id of the last processed event.
func (c *Cursor) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Advance moves the cursor to id if id is ahead of it and reports whether it
// moved. The in-memory value moves even when persisting fails; replays after
// a restart are absorbed by message idempotency.
func (c *Cursor) Advance(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	if id <= c.value {
		c.mu.Unlock()
		return false, nil
	}
	c.value = id
	c.mu.Unlock()

	if c.store == nil {
		return true, nil
	}
	if err := c.store.SaveCursor(ctx, c.source, id); err != nil {
		return true, fmt.Errorf("saving cursor for %s: %w", c.source, err)
	}
	return true, nil
}
