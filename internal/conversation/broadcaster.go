// ABOUTME: Fan-out hub pushing event snapshots to every connected observer
// ABOUTME: Each send is bounded by a timeout; failing observers are dropped during the same broadcast

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendTimeout bounds how long one observer may take to accept an event.
const DefaultSendTimeout = 5 * time.Second

// Observer is a live connection that receives serialized events.
type Observer interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Hub tracks observers and broadcasts events to all of them.
// A Hub belongs to one gateway instance; there is no package-level hub.
type Hub struct {
	mu          sync.RWMutex
	observers   map[string]Observer
	sendTimeout time.Duration
	logger      *slog.Logger
	closed      bool
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(sendTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Hub{
		observers:   make(map[string]Observer),
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "hub"),
	}
}

// Connect registers o and returns its handle. On a closed hub the observer
// is closed immediately and an empty handle is returned.
func (h *Hub) Connect(o Observer) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		o.Close()
		return ""
	}
	handle := uuid.New().String()
	h.observers[handle] = o
	count := len(h.observers)
	h.mu.Unlock()

	h.logger.Debug("observer connected", "handle", handle, "observers", count)
	return handle
}

// Disconnect removes and closes the observer behind handle. Unknown handles
// are ignored.
func (h *Hub) Disconnect(handle string) {
	if o := h.remove(handle, nil); o != nil {
		o.Close()
		h.logger.Debug("observer disconnected", "handle", handle)
	}
}

// remove deletes handle if it still maps to want (or to anything when want
// is nil) and returns the removed observer.
func (h *Hub) remove(handle string, want Observer) Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	o, ok := h.observers[handle]
	if !ok || (want != nil && o != want) {
		return nil
	}
	delete(h.observers, handle)
	return o
}

// Broadcast serializes ev once and sends it to every observer concurrently.
// Observers that fail or exceed the send timeout are removed and closed
// before Broadcast returns. It returns the number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, ev Event) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding event", "type", ev.Type, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make(map[string]Observer, len(h.observers))
	for handle, o := range h.observers {
		targets[handle] = o
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	// Delivery must not depend on the lifetime of the request that caused it.
	base := context.WithoutCancel(ctx)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for handle, o := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(base, h.sendTimeout)
			defer cancel()

			if err := o.Send(sendCtx, payload); err != nil {
				if h.remove(handle, o) != nil {
					h.logger.Info("dropping observer", "handle", handle, "type", ev.Type, "error", err)
					go o.Close()
				}
				return
			}

			mu.Lock()
			delivered++
			mu.Unlock()
		}()
	}
	wg.Wait()

	return delivered
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[string]Observer)
	h.closed = true
	h.mu.Unlock()

	for _, o := range observers {
		o.Close()
	}
	h.logger.Debug("hub closed", "observers", len(observers))
}
