package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Policy controls when the durable tier participates in reads.
type Policy struct {
	// DurableWhileOnline enables durable reads on memory misses even when
	// the client is online. Off by default: a slow store should not add
	// latency to interactive reads that can just hit the network.
	DurableWhileOnline bool

	// DurableReadTimeout bounds a single durable read so a slow store never
	// blocks the interactive path indefinitely.
	DurableReadTimeout time.Duration
}

// DefaultPolicy returns the standard read policy.
func DefaultPolicy() Policy {
	return Policy{DurableReadTimeout: 250 * time.Millisecond}
}

// Dual composes the memory tier with a durable store. Memory writes are
// synchronous; durable writes are fire-and-forget. The memory entry's expiry
// is always at least the durable entry's, because memory is refreshed on
// every successful fetch.
type Dual struct {
	mem     *Memory
	durable DurableStore
	policy  Policy
	online  func() bool
	log     zerolog.Logger
}

// NewDual creates a dual-tier cache. durable may be nil (memory-only).
// online reports current connectivity; nil means always online.
func NewDual(durable DurableStore, policy Policy, online func() bool, log zerolog.Logger) *Dual {
	if online == nil {
		online = func() bool { return true }
	}
	if policy.DurableReadTimeout <= 0 {
		policy.DurableReadTimeout = 250 * time.Millisecond
	}
	return &Dual{
		mem:     NewMemory(),
		durable: durable,
		policy:  policy,
		online:  online,
		log:     log,
	}
}

// Read returns whatever entry is known for key, expired or not, or nil.
// Memory is always tried first; the durable tier only on a memory miss, and
// while online only when the policy permits. Durable hits are promoted into
// memory.
func (d *Dual) Read(ctx context.Context, key string) *Entry {
	if e, ok := d.mem.Get(key); ok {
		return e
	}
	if d.durable == nil {
		return nil
	}
	if d.online() && !d.policy.DurableWhileOnline {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, d.policy.DurableReadTimeout)
	defer cancel()
	e, err := d.durable.Get(rctx, key)
	if err != nil {
		if err != ErrNotFound {
			d.log.Debug().Err(err).Str("key", key).Msg("durable cache read failed")
		}
		return nil
	}
	d.mem.Set(key, e)
	return e
}

// Write stores the entry in memory immediately and in the durable tier
// best-effort in the background. Durable failures are logged, never
// propagated.
func (d *Dual) Write(ctx context.Context, key string, entry *Entry) {
	d.mem.Set(key, entry)
	if d.durable == nil {
		return
	}
	e := entry.clone()
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.durable.Set(wctx, key, e); err != nil {
			d.log.Warn().Err(err).Str("key", key).Msg("durable cache write failed")
		}
	}()
}

// Touch refreshes the expiry of an existing memory entry after a 304
// revalidation and mirrors the bump to the durable tier.
func (d *Dual) Touch(ctx context.Context, key string, expiresAt time.Time) {
	d.mem.Touch(key, expiresAt)
	if e, ok := d.mem.Get(key); ok {
		d.Write(ctx, key, e)
	}
}

// Invalidate removes all memory entries under prefix synchronously and
// schedules the same removal against the durable tier. Called on every
// successful mutation against the prefix's endpoint.
func (d *Dual) Invalidate(ctx context.Context, prefix string) {
	d.mem.DeletePrefix(prefix)
	if d.durable == nil {
		return
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.durable.DeletePrefix(wctx, prefix); err != nil {
			d.log.Warn().Err(err).Str("prefix", prefix).Msg("durable cache invalidation failed")
		}
	}()
}
