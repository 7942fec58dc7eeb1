package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Deduper rate-limits identical user-facing notifications: never more than
// one per key within the window. Rate-limit and connectivity failures can
// fire once per in-flight request; users should see one message, not a
// storm.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
	sink   func(key, message string)
}

// NewDeduper creates a deduper emitting to the given logger. A custom sink
// can be installed with SetSink for UI toasts.
func NewDeduper(window time.Duration, log zerolog.Logger) *Deduper {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Deduper{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
		sink: func(key, message string) {
			log.Warn().Str("key", key).Msg(message)
		},
	}
}

// SetSink replaces the notification sink.
func (d *Deduper) SetSink(sink func(key, message string)) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// Notify emits the message unless an identical key fired within the window.
// Reports whether the message was emitted.
func (d *Deduper) Notify(key, message string) bool {
	d.mu.Lock()
	now := d.now()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		d.mu.Unlock()
		return false
	}
	d.last[key] = now
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink(key, message)
	}
	return true
}
