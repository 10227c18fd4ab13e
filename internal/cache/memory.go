// ABOUTME: Thread-safe in-process cache backend with TTL expiry and LRU eviction
// ABOUTME: Used when no shared cache is configured and in tests

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// cleanupInterval is how often expired entries are swept.
const cleanupInterval = time.Minute

// memoryEntry stores a value, its expiry, and its list element.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// MemoryBackend is a size-limited in-memory Backend. A doubly-linked list
// keeps recency order so eviction of the least recently used key is O(1).
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // keys, least recently used at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryBackend creates a backend holding at most maxSize entries.
// A background goroutine periodically removes expired entries.
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 10000
	}
	m := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Get returns the value for key if present and not expired.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		m.removeLocked(key, entry)
		return nil, false, nil
	}

	m.order.MoveToBack(entry.element)
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value under key for ttl. At capacity the least recently used
// entry is evicted first.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.now().Add(ttl)
	stored := append([]byte(nil), value...)

	if entry, exists := m.entries[key]; exists {
		entry.value = stored
		entry.expiresAt = expiresAt
		m.order.MoveToBack(entry.element)
		return nil
	}

	if len(m.entries) >= m.maxSize {
		m.evictOldest()
	}

	elem := m.order.PushBack(key)
	m.entries[key] = &memoryEntry{
		value:     stored,
		expiresAt: expiresAt,
		element:   elem,
	}
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if entry, ok := m.entries[key]; ok {
			m.removeLocked(key, entry)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// removeLocked drops an entry. Must be called with mu held.
func (m *MemoryBackend) removeLocked(key string, entry *memoryEntry) {
	m.order.Remove(entry.element)
	delete(m.entries, key)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (m *MemoryBackend) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (m *MemoryBackend) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (m *MemoryBackend) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			m.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
