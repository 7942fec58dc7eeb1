package cache

import (
	"encoding/json"
	"testing"
	"time"
)

func entryWithTTL(body string, ttl time.Duration) *Entry {
	return &Entry{
		Body:      json.RawMessage(body),
		FetchedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
}

func TestMemoryWriteThenRead(t *testing.T) {
	m := NewMemory()
	m.Set("k", entryWithTTL(`{"v":1}`, time.Minute))

	e, ok := m.Get("k")
	if !ok {
		t.Fatal("expected entry")
	}
	if string(e.Body) != `{"v":1}` {
		t.Errorf("body = %s", e.Body)
	}
	if e.Expired(time.Now()) {
		t.Error("entry should be fresh")
	}
}

func TestMemoryExpiryVisibleButStale(t *testing.T) {
	m := NewMemory()
	m.Set("k", entryWithTTL(`1`, -time.Second))

	e, ok := m.Get("k")
	if !ok {
		t.Fatal("expired entries must remain readable for revalidation")
	}
	if !e.Expired(time.Now()) {
		t.Error("entry should be stale")
	}
}

func TestMemoryTouchExtendsExpiry(t *testing.T) {
	m := NewMemory()
	m.Set("k", entryWithTTL(`1`, -time.Second))
	m.Touch("k", time.Now().Add(time.Minute))

	e, _ := m.Get("k")
	if e.Expired(time.Now()) {
		t.Error("touched entry should be fresh again")
	}
}

func TestMemoryDeletePrefix(t *testing.T) {
	m := NewMemory()
	m.Set("GET|https://api/v1/animals?page=1", entryWithTTL(`1`, time.Minute))
	m.Set("GET|https://api/v1/animals?page=2", entryWithTTL(`2`, time.Minute))
	m.Set("GET|https://api/v1/vaccines?page=1", entryWithTTL(`3`, time.Minute))

	m.DeletePrefix("GET|https://api/v1/animals")

	if _, ok := m.Get("GET|https://api/v1/animals?page=1"); ok {
		t.Error("page 1 should be invalidated")
	}
	if _, ok := m.Get("GET|https://api/v1/animals?page=2"); ok {
		t.Error("page 2 should be invalidated")
	}
	if _, ok := m.Get("GET|https://api/v1/vaccines?page=1"); !ok {
		t.Error("other endpoint should survive")
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Set("k", entryWithTTL(`1`, time.Minute))

	e, _ := m.Get("k")
	e.ETag = "mutated"

	again, _ := m.Get("k")
	if again.ETag == "mutated" {
		t.Error("callers must not be able to mutate stored entries")
	}
}
