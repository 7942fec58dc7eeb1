package cache

import (
	"strings"
	"sync"
	"time"
)

// Memory is the synchronous in-process tier. Lookups return entries even when
// expired so callers can attach conditional-request validators or serve stale
// data during a rate-limit backoff; freshness is the caller's check via
// Entry.Expired.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemory creates an empty memory tier.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

// Get returns the entry for key, expired or not.
func (m *Memory) Get(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Set stores entry under key, replacing any previous value.
func (m *Memory) Set(key string, entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry.clone()
}

// Touch extends the expiry of an existing entry, used when a conditional
// request came back 304 and the cached body is still authoritative.
func (m *Memory) Touch(key string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		c := e.clone()
		c.ExpiresAt = expiresAt
		c.FetchedAt = time.Now()
		m.entries[key] = c
	}
}

// DeletePrefix removes every entry whose key starts with prefix.
func (m *Memory) DeletePrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
