// ABOUTME: JSON read-through cache layer over a Backend with write-ordered invalidation
// ABOUTME: Errors are logged and treated as misses so the store stays the source of truth

package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Layer wraps a Backend with JSON values. A read-through fill records the
// key's invalidation epoch before fetching; a fill started before an
// Invalidate of the same key is discarded instead of repopulating the cache
// with pre-write data. Epochs are tracked only while fills are in flight.
type Layer struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	fills map[string]*fill
}

type fill struct {
	epoch   uint64
	pending int
}

// NewLayer creates a Layer. Pass nil logger for default.
func NewLayer(backend Backend, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		backend: backend,
		logger:  logger.With("component", "cache"),
		fills:   make(map[string]*fill),
	}
}

// Get decodes the cached value for key into dst. It returns false on a miss,
// a backend error, or an undecodable value.
func (l *Layer) Get(ctx context.Context, key string, dst any) bool {
	raw, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		l.logger.Warn("cache get failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		l.logger.Warn("cache value undecodable", "key", key, "error", err)
		return false
	}
	return true
}

// Set encodes value and stores it under key for ttl.
func (l *Layer) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		l.logger.Warn("cache value unencodable", "key", key, "error", err)
		return
	}
	if err := l.backend.Set(ctx, key, raw, ttl); err != nil {
		l.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Invalidate removes keys and fences off any fill already in flight for them.
func (l *Layer) Invalidate(ctx context.Context, keys ...string) {
	l.mu.Lock()
	for _, key := range keys {
		if f, ok := l.fills[key]; ok {
			f.epoch++
		}
	}
	l.mu.Unlock()

	if err := l.backend.Delete(ctx, keys...); err != nil {
		l.logger.Warn("cache delete failed", "keys", keys, "error", err)
	}
}

func (l *Layer) beginFill(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.fills[key]
	if !ok {
		f = &fill{}
		l.fills[key] = f
	}
	f.pending++
	return f.epoch
}

func (l *Layer) endFill(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.fills[key]
	f.pending--
	if f.pending == 0 {
		delete(l.fills, key)
	}
}

func (l *Layer) current(key string, epoch uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fills[key].epoch == epoch
}

// setIfCurrent stores value only when no Invalidate of key happened since
// the epoch was read. l.mu is held only around the epoch checks, never across
// the backend round-trip; an Invalidate that lands during the store is caught
// by the second check and the value is removed again.
func (l *Layer) setIfCurrent(ctx context.Context, key string, epoch uint64, value any, ttl time.Duration) {
	if !l.current(key, epoch) {
		l.logger.Debug("discarding stale cache fill", "key", key)
		return
	}

	l.Set(ctx, key, value, ttl)

	if !l.current(key, epoch) {
		l.logger.Debug("cache fill raced an invalidation, removing", "key", key)
		if err := l.backend.Delete(ctx, key); err != nil {
			l.logger.Warn("cache delete failed", "keys", []string{key}, "error", err)
		}
	}
}

// Close closes the backend.
func (l *Layer) Close() error {
	return l.backend.Close()
}

// Load returns the cached value for key, or calls fetch and caches its result.
func Load[T any](ctx context.Context, l *Layer, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if l.Get(ctx, key, &cached) {
		return cached, nil
	}

	epoch := l.beginFill(key)
	defer l.endFill(key)

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	l.setIfCurrent(ctx, key, epoch, value, ttl)
	return value, nil
}
