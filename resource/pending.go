package resource

import (
	"sync"
	"time"
)

// ttlMap is an insertion-ordered map whose entries expire after a fixed
// grace window, swept lazily on access. It backs all three pending-mutation
// trackers (created/updated/deleted) so the sweep logic lives once.
type ttlMap struct {
	mu    sync.Mutex
	ttl   time.Duration
	order []string
	m     map[string]ttlEntry
	now   func() time.Time
}

type ttlEntry struct {
	rec Record
	exp time.Time
}

func newTTLMap(ttl time.Duration) *ttlMap {
	return &ttlMap{
		ttl: ttl,
		m:   make(map[string]ttlEntry),
		now: time.Now,
	}
}

func (t *ttlMap) put(id string, rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	if _, ok := t.m[id]; !ok {
		t.order = append(t.order, id)
	}
	t.m[id] = ttlEntry{rec: rec, exp: t.now().Add(t.ttl)}
}

func (t *ttlMap) get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	e, ok := t.m[id]
	return e.rec, ok
}

func (t *ttlMap) has(id string) bool {
	_, ok := t.get(id)
	return ok
}

func (t *ttlMap) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteLocked(id)
}

// ids returns live ids in insertion order.
func (t *ttlMap) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *ttlMap) sweepLocked() {
	now := t.now()
	for id, e := range t.m {
		if now.After(e.exp) {
			t.deleteLocked(id)
		}
	}
}

func (t *ttlMap) deleteLocked(id string) {
	if _, ok := t.m[id]; !ok {
		return
	}
	delete(t.m, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
