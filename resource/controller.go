package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/syncline/syncline/notify"
	"github.com/syncline/syncline/transport"
)

const (
	defaultCreatedGrace = 120 * time.Second
	defaultUpdatedGrace = 120 * time.Second
	defaultDeletedGrace = 10 * time.Second
	defaultBypassWindow = 10 * time.Second
	defaultPollInterval = 30 * time.Second
)

// Meta is the pagination metadata of the current page.
type Meta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// listEnvelope is the upstream list response shape.
type listEnvelope struct {
	Data       []Record `json:"data"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Total      int      `json:"total"`
	TotalPages int      `json:"totalPages"`
	HasNext    bool     `json:"has_next"`
	HasPrev    bool     `json:"has_prev"`
}

// Snapshot is what the UI binding layer subscribes to.
type Snapshot struct {
	Items      []Record
	Meta       Meta
	Loading    bool
	Refreshing bool
	Err        error
}

// Options configure one controller instance.
type Options struct {
	// Slug names the collection for backoff tracking and change events.
	Slug string
	// Path is the collection endpoint, e.g. "/v1/animals".
	Path string
	// IDField is the identity key in records; "id" when empty.
	IDField string
	// Defaults are the lowest-precedence query parameters.
	Defaults Params
	// Nav supplies navigation-derived parameters, highest precedence.
	Nav NavSource
	// Realtime enables interval polling.
	Realtime     bool
	PollInterval time.Duration
	CreatedGrace time.Duration
	UpdatedGrace time.Duration
	DeletedGrace time.Duration
	BypassWindow time.Duration
	// Aliases maps UI-facing field names to API-facing ones; optimistic
	// patches write both so either naming stays consistent locally.
	Aliases  map[string]string
	Bus      notify.Bus
	Notifier *notify.Deduper
	Logger   zerolog.Logger
}

func (o *Options) fill() {
	if o.IDField == "" {
		o.IDField = "id"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.CreatedGrace <= 0 {
		o.CreatedGrace = defaultCreatedGrace
	}
	if o.UpdatedGrace <= 0 {
		o.UpdatedGrace = defaultUpdatedGrace
	}
	if o.DeletedGrace <= 0 {
		o.DeletedGrace = defaultDeletedGrace
	}
	if o.BypassWindow <= 0 {
		o.BypassWindow = defaultBypassWindow
	}
}

// Controller synchronizes one server-owned collection. Each instance owns
// its state exclusively; cross-controller coordination happens only through
// cache invalidation and the notification bus.
type Controller struct {
	gw  *transport.Gateway
	opt Options
	log zerolog.Logger
	now func() time.Time

	mu           sync.Mutex
	items        []Record
	meta         Meta
	loaded       bool
	loading      bool
	refreshing   bool
	err          error
	lastExplicit Params
	bypassUntil  time.Time
	crudInFlight int
	cancelFetch  context.CancelFunc
	fetchQuery   string
	fetchGen     int
	subs         map[int]func(Snapshot)
	nextSub      int

	created *ttlMap
	updated *ttlMap
	deleted *ttlMap

	baseCtx   context.Context
	cancelAll context.CancelFunc
	unsub     func()
	closeOnce sync.Once
}

// NewController creates a controller, wires it to the notification bus and
// starts polling when the collection is marked realtime. Call Close at
// teardown.
func NewController(gw *transport.Gateway, opt Options) *Controller {
	opt.fill()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gw:        gw,
		opt:       opt,
		log:       opt.Logger.With().Str("resource", opt.Slug).Logger(),
		now:       time.Now,
		subs:      make(map[int]func(Snapshot)),
		created:   newTTLMap(opt.CreatedGrace),
		updated:   newTTLMap(opt.UpdatedGrace),
		deleted:   newTTLMap(opt.DeletedGrace),
		baseCtx:   ctx,
		cancelAll: cancel,
	}

	if opt.Bus != nil {
		resourceTopic := notify.TopicResource(opt.Slug)
		c.unsub = opt.Bus.Subscribe(func(e notify.Event) {
			switch e.Topic {
			case notify.TopicFocus, notify.TopicOnline, notify.TopicGlobal, resourceTopic:
				c.revalidate(e.Topic)
			}
		})
	}
	if opt.Realtime {
		go c.poll()
	}
	return c
}

// Close cancels outstanding requests, stops polling and deregisters from
// the bus. The final canceled fetch resolves as a no-op, not an error.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancelAll()
		if c.unsub != nil {
			c.unsub()
		}
		c.mu.Lock()
		if c.cancelFetch != nil {
			c.cancelFetch()
		}
		c.mu.Unlock()
	})
}

// Subscribe registers a snapshot listener and immediately delivers the
// current state. Returns the deregistration func.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	snap := c.snapshotLocked()
	c.mu.Unlock()

	fn(snap)
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Items:      cloneList(c.items),
		Meta:       c.meta,
		Loading:    c.loading,
		Refreshing: c.refreshing,
		Err:        c.err,
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// effectiveQueryLocked merges defaults, the last explicit params and
// navigation state, navigation winning.
func (c *Controller) effectiveQueryLocked() Params {
	q := c.opt.Defaults.merge(c.lastExplicit)
	if c.opt.Nav != nil {
		q = q.merge(c.opt.Nav.NavParams())
	}
	return q
}

// Refetch resolves the effective query, consults the caches (unless a
// post-mutation bypass window is active), coalesces with identical in-flight
// fetches, reconciles the result against pending mutations and notifies
// subscribers. A refetch superseded by a newer one resolves to the current
// state unchanged.
func (c *Controller) Refetch(ctx context.Context, params *Params) ([]Record, error) {
	c.mu.Lock()
	if params != nil {
		c.lastExplicit = *params
	}
	q := c.effectiveQueryLocked()
	bypass := c.now().Before(c.bypassUntil)
	qKey := q.Values().Encode()

	// Latest request wins, except that an identical query joins the fetch
	// already in flight (the gateway coalesces them into one physical call);
	// canceling it would cancel the shared call under every caller.
	if c.cancelFetch != nil && qKey != c.fetchQuery {
		c.cancelFetch()
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancelFetch = cancel
	c.fetchQuery = qKey
	c.fetchGen++
	gen := c.fetchGen
	if c.loaded {
		c.refreshing = true
	} else {
		c.loading = true
	}
	c.mu.Unlock()
	c.publish()

	resp, err := c.gw.Do(fctx, transport.Request{
		Method:      http.MethodGet,
		Path:        c.opt.Path,
		Query:       q.Values(),
		Slug:        c.opt.Slug,
		Protected:   true,
		BypassCache: bypass,
	})

	if err != nil {
		if transport.IsCanceled(err) {
			// Superseded or torn down: no-op, current state stands. The
			// busy flags belong to the newest fetch; only clear them when
			// no newer fetch is running.
			c.mu.Lock()
			current := gen == c.fetchGen
			if current {
				c.loading = false
				c.refreshing = false
			}
			items := cloneList(c.items)
			c.mu.Unlock()
			if current {
				c.publish()
			}
			return items, nil
		}
		c.mu.Lock()
		c.loading = false
		c.refreshing = false
		c.err = err
		c.mu.Unlock()
		c.publish()
		c.notifyFailure(err)
		return nil, err
	}

	var env listEnvelope
	if uerr := json.Unmarshal(resp.Body, &env); uerr != nil {
		err = &transport.Error{Kind: transport.KindServer, Message: "malformed list response", Err: uerr}
		c.mu.Lock()
		c.loading = false
		c.refreshing = false
		c.err = err
		c.mu.Unlock()
		c.publish()
		return nil, err
	}

	limit := env.Limit
	if limit == 0 {
		limit = q.Limit
	}

	c.mu.Lock()
	if resp.FromCache {
		// The cache holds the un-merged server list. Overlay the pending
		// mutations without consuming their markers: only an authoritative
		// read may decide a created record has landed or a deletion settled.
		c.items = overlayPending(c.items, env.Data, c.created, c.deleted, c.opt.IDField, limit)
	} else {
		c.items = reconcile(c.items, env.Data, c.created, c.deleted, c.opt.IDField, limit)
	}
	c.meta = Meta{
		Page:       env.Page,
		Limit:      env.Limit,
		Total:      env.Total,
		TotalPages: env.TotalPages,
		HasNext:    env.HasNext,
		HasPrev:    env.HasPrev,
	}
	c.loaded = true
	c.loading = false
	c.refreshing = false
	c.err = nil
	items := cloneList(c.items)
	c.mu.Unlock()
	c.publish()
	return items, nil
}

// Refresh is the explicit caller-invoked revalidation trigger.
func (c *Controller) Refresh(ctx context.Context) ([]Record, error) {
	c.openBypassWindow()
	return c.Refetch(ctx, nil)
}

// Create issues the create and optimistically prepends the returned (or
// locally-assumed) record. Local state is untouched on failure.
func (c *Controller) Create(ctx context.Context, payload Record) (Record, error) {
	c.beginCRUD()
	defer c.endCRUD()

	resp, err := c.gw.Do(ctx, transport.Request{
		Method:    http.MethodPost,
		Path:      c.opt.Path,
		Body:      c.toAPIFields(payload),
		Slug:      c.opt.Slug,
		Protected: true,
	})
	if err != nil {
		return nil, err
	}

	rec := decodeRecord(resp.Body)
	if rec == nil {
		// Server confirmed without a body: assume the local payload and a
		// temporary identity until the next authoritative read.
		rec = payload.clone()
		if rec.id(c.opt.IDField) == "" {
			rec[c.opt.IDField] = "local-" + uuid.NewString()
		}
	}
	id := rec.id(c.opt.IDField)

	c.mu.Lock()
	c.items = append([]Record{rec}, c.items...)
	c.meta.Total++
	c.created.put(id, rec)
	c.bypassUntil = c.now().Add(c.opt.BypassWindow)
	c.mu.Unlock()

	c.gw.InvalidateReads(ctx, c.opt.Path)
	c.publish()
	c.log.Debug().Str("id", id).Msg("record created optimistically")
	return rec, nil
}

// Update issues the update and optimistically patches the matching local
// record, then triggers a background refetch.
func (c *Controller) Update(ctx context.Context, id string, payload Record) (Record, error) {
	c.beginCRUD()
	defer c.endCRUD()

	resp, err := c.gw.Do(ctx, transport.Request{
		Method:    http.MethodPut,
		Path:      c.opt.Path + "/" + id,
		Body:      c.toAPIFields(payload),
		Slug:      c.opt.Slug,
		Protected: true,
	})
	if err != nil {
		return nil, err
	}

	server := decodeRecord(resp.Body)

	c.mu.Lock()
	var patched Record
	for i, r := range c.items {
		if r.id(c.opt.IDField) != id {
			continue
		}
		patched = r.clone()
		c.patchAliased(patched, payload)
		for k, v := range server {
			patched[k] = v
		}
		c.items[i] = patched
		break
	}
	if patched == nil {
		if server != nil {
			patched = server
		} else {
			patched = payload.clone()
			patched[c.opt.IDField] = id
		}
	}
	c.updated.put(id, patched)
	c.bypassUntil = c.now().Add(c.opt.BypassWindow)
	c.mu.Unlock()

	c.gw.InvalidateReads(ctx, c.opt.Path)
	c.publish()

	go func() {
		if _, err := c.Refetch(c.baseCtx, nil); err != nil && !transport.IsCanceled(err) {
			c.log.Debug().Err(err).Msg("post-update refetch failed")
		}
	}()
	return patched, nil
}

// Delete optimistically removes the record and registers the pending-delete
// marker before issuing the request, so a stale server echo during the grace
// window is filtered even if the call fails. A 404 means "already gone" and
// counts as success.
func (c *Controller) Delete(ctx context.Context, id string) (bool, error) {
	c.beginCRUD()
	defer c.endCRUD()

	c.mu.Lock()
	for i, r := range c.items {
		if r.id(c.opt.IDField) == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			if c.meta.Total > 0 {
				c.meta.Total--
			}
			break
		}
	}
	c.deleted.put(id, nil)
	c.created.delete(id)
	c.updated.delete(id)
	c.bypassUntil = c.now().Add(c.opt.BypassWindow)
	c.mu.Unlock()
	c.publish()

	_, err := c.gw.Do(ctx, transport.Request{
		Method:    http.MethodDelete,
		Path:      c.opt.Path + "/" + id,
		Slug:      c.opt.Slug,
		Protected: true,
	})

	// Invalidate regardless of the outcome: the record is optimistically
	// gone locally, so cached lists must not resurface it after the bypass
	// window.
	c.gw.InvalidateReads(ctx, c.opt.Path)

	if err != nil {
		var te *transport.Error
		alreadyGone := errors.As(err, &te) && te.Status == http.StatusNotFound
		if !alreadyGone {
			// Propagate, but keep the pending-delete marker and the local
			// removal: the caller decides whether to refetch and restore.
			return false, err
		}
	}
	return true, nil
}

// revalidate funnels every trigger through the same guarded path: no-op
// while a mutation is in flight or the endpoint's backoff window is active.
func (c *Controller) revalidate(topic string) {
	c.mu.Lock()
	busy := c.crudInFlight > 0
	c.mu.Unlock()
	if busy {
		return
	}
	if _, active := c.gw.BackoffUntil(c.opt.Slug); active {
		return
	}

	c.openBypassWindow()
	go func() {
		if _, err := c.Refetch(c.baseCtx, nil); err != nil && !transport.IsCanceled(err) {
			c.log.Debug().Err(err).Str("trigger", topic).Msg("revalidation failed")
		}
	}()
}

func (c *Controller) poll() {
	ticker := time.NewTicker(c.opt.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			c.revalidate("poll")
		}
	}
}

func (c *Controller) openBypassWindow() {
	c.mu.Lock()
	c.bypassUntil = c.now().Add(c.opt.BypassWindow)
	c.mu.Unlock()
}

func (c *Controller) beginCRUD() {
	c.mu.Lock()
	c.crudInFlight++
	c.mu.Unlock()
}

func (c *Controller) endCRUD() {
	c.mu.Lock()
	c.crudInFlight--
	c.mu.Unlock()
}

// notifyFailure surfaces rate-limit and connectivity failures as a
// deduplicated notification; validation and server faults stay on the error
// field for the UI to render inline.
func (c *Controller) notifyFailure(err error) {
	if c.opt.Notifier == nil {
		return
	}
	switch transport.KindOf(err) {
	case transport.KindRateLimited, transport.KindNetwork, transport.KindTimeout:
		c.opt.Notifier.Notify(c.opt.Slug+":"+transport.KindOf(err).String(), err.Error())
	}
}

// toAPIFields rewrites UI-facing field names to API-facing ones for outgoing
// payloads.
func (c *Controller) toAPIFields(payload Record) Record {
	if len(c.opt.Aliases) == 0 {
		return payload
	}
	out := make(Record, len(payload))
	for k, v := range payload {
		if api, ok := c.opt.Aliases[k]; ok {
			out[api] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// patchAliased shallow-merges the payload into rec, writing both the
// UI-facing and API-facing name of aliased fields.
func (c *Controller) patchAliased(rec, payload Record) {
	for k, v := range payload {
		rec[k] = v
		if api, ok := c.opt.Aliases[k]; ok {
			rec[api] = v
		}
	}
}

// decodeRecord parses a mutation response that is either the record itself
// or wrapped in a data envelope.
func decodeRecord(body []byte) Record {
	if len(body) == 0 {
		return nil
	}
	var wrapped struct {
		Data Record `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err == nil && len(rec) > 0 {
		return rec
	}
	return nil
}
