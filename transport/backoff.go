package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BackoffTable records per-endpoint "do not call before" timestamps set in
// response to rate-limiting signals. While a slug's window is active, reads
// are served from cache (stale allowed) instead of the network. The table is
// a process-wide shared service injected at construction, never a package
// global, so tests can build a fresh one.
type BackoffTable struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewBackoffTable creates an empty table.
func NewBackoffTable() *BackoffTable {
	return &BackoffTable{until: make(map[string]time.Time), now: time.Now}
}

// Set records that slug must not be called before until. A shorter window
// never overwrites a longer one already in place.
func (t *BackoffTable) Set(slug string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.until[slug]; ok && cur.After(until) {
		return
	}
	t.until[slug] = until
}

// Until returns the active window end for slug, if any. Elapsed windows are
// removed lazily.
func (t *BackoffTable) Until(slug string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.until[slug]
	if !ok {
		return time.Time{}, false
	}
	if t.now().After(u) {
		delete(t.until, slug)
		return time.Time{}, false
	}
	return u, true
}

// Active reports whether slug is inside a backoff window.
func (t *BackoffTable) Active(slug string) bool {
	_, ok := t.Until(slug)
	return ok
}

// Throttle enforces a minimum spacing between requests to the same endpoint
// even absent an explicit 429, to avoid bursts that would trigger rate
// limiting in the first place.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewThrottle creates a throttle with the given minimum inter-request
// spacing per endpoint slug. A non-positive interval disables throttling.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		interval: minInterval,
	}
}

// Wait blocks until the endpoint may be called again or ctx is done.
func (th *Throttle) Wait(ctx context.Context, slug string) error {
	if th.interval <= 0 {
		return nil
	}
	th.mu.Lock()
	lim, ok := th.limiters[slug]
	if !ok {
		lim = rate.NewLimiter(rate.Every(th.interval), 1)
		th.limiters[slug] = lim
	}
	th.mu.Unlock()
	return lim.Wait(ctx)
}
