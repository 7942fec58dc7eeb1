// Package notify carries the revalidation signals controllers react to
// (window focus, connectivity regained, server-push resource changes) and
// the deduplicated user-facing failure notifications.
package notify

import "sync"

// Well-known topics. Platform adapters publish these; the push channel
// itself is external to this layer.
const (
	TopicFocus  = "focus"
	TopicOnline = "online"
	TopicGlobal = "global"
)

// TopicResource returns the topic for a named collection change.
func TopicResource(slug string) string {
	return "resource:" + slug
}

// Event is a named signal.
type Event struct {
	Topic string
}

// Bus is the subscription interface controllers register against at
// construction and deregister from at teardown.
type Bus interface {
	// Subscribe registers fn and returns its deregistration func.
	Subscribe(fn func(Event)) (cancel func())
}

// Hub is the in-process Bus implementation.
type Hub struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe implements Bus.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
