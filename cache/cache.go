// Package cache provides the two-tier response cache used by the transport
// gateway: a synchronous in-memory tier backed by an asynchronous durable
// store, with support for ETag/Last-Modified validation and TTL-based
// expiration.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by durable stores when a key has no entry.
	ErrNotFound = errors.New("cache entry not found")
)

// Entry represents a cached response with freshness metadata.
type Entry struct {
	Body         json.RawMessage `json:"body"`
	FetchedAt    time.Time       `json:"fetched_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// HasValidator reports whether the entry can be revalidated with a
// conditional request.
func (e *Entry) HasValidator() bool {
	return e.ETag != "" || e.LastModified != ""
}

// clone returns a shallow copy so callers can bump expiry without racing
// readers of the stored entry.
func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// DurableStore is the persistent lower tier. Implementations must be safe for
// concurrent use and must never assume synchronous access.
type DurableStore interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry for key, replacing any previous value.
	Set(ctx context.Context, key string, entry *Entry) error

	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
