package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"engagekit/core"
	"engagekit/engine"
)

// Filter narrows what a subscriber receives. Zero values match everything.
type Filter struct {
	UserID  core.UserID
	Pattern *engine.Pattern
}

func (f Filter) match(ev core.Event) bool {
	if f.Pattern != nil && !f.Pattern.Match(ev.Type) {
		return false
	}
	if f.UserID != "" {
		u, ok := ev.UserID()
		return ok && u == f.UserID
	}
	return true
}

type subscriber struct {
	ch     chan core.Event
	filter Filter
}

// Hub fans bus events out to live clients. It is an engine.Handler: subscribe
// it to "*" patterns on the bus and every matching event reaches the clients.
// Slow clients lose events rather than stall the bus.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	next    int
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]*subscriber{}} }

func (h *Hub) Subscribe(buffer int, filter Filter) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev.Clone():
		default:
			h.dropped.Add(1)
		}
	}
}

// Handle lets the hub subscribe to the event bus directly.
func (h *Hub) Handle(ctx context.Context, ev core.Event) error {
	h.Broadcast(ctx, ev)
	return nil
}

// Clients is the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a client buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := core.Encode(ev)
	return b
}

var _ engine.Handler = (*Hub)(nil)
