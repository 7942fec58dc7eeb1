package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/notify"
	"github.com/syncline/syncline/transport"
)

func newTestController(t *testing.T, baseURL string, opt Options) *Controller {
	t.Helper()
	gw, err := transport.New(transport.Config{BaseURL: baseURL}, transport.Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	if opt.Slug == "" {
		opt.Slug = "animals"
	}
	if opt.Path == "" {
		opt.Path = "/api/animals"
	}
	opt.Logger = zerolog.Nop()
	c := NewController(gw, opt)
	t.Cleanup(c.Close)
	return c
}

func writeList(w http.ResponseWriter, records []Record, limit, total int) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":       records,
		"page":       1,
		"limit":      limit,
		"total":      total,
		"totalPages": 1,
		"has_next":   false,
		"has_prev":   false,
	})
}

func TestControllerRefetchPopulatesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []Record{rec("A", "name", "Milo"), rec("B", "name", "Otis")}, 10, 2)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})
	items, err := c.Refetch(context.Background(), &Params{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(items))

	snap := c.Snapshot()
	assert.False(t, snap.Loading)
	assert.False(t, snap.Refreshing)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 2, snap.Meta.Total)
	assert.Equal(t, 10, snap.Meta.Limit)
}

func TestControllerOptimisticCreateSurvivesLaggingList(t *testing.T) {
	// The list endpoint lags behind writes, as a read replica would.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rec("A", "name", "Nova"))
			return
		}
		writeList(w, []Record{rec("B")}, 2, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{Defaults: Params{Page: 1, Limit: 2}})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	created, err := c.Create(context.Background(), Record{"name": "Nova"})
	require.NoError(t, err)
	assert.Equal(t, "A", created.id("id"))
	assert.Equal(t, []string{"A", "B"}, ids(c.Snapshot().Items))
	assert.Equal(t, 2, c.Snapshot().Meta.Total)

	// A refetch against the still-lagging list keeps the created record.
	items, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(items))
}

func TestControllerCreateAssignsLocalIDWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeList(w, nil, 10, 0)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})
	created, err := c.Create(context.Background(), Record{"name": "Nova"})
	require.NoError(t, err)
	assert.Contains(t, created.id("id"), "local-")
}

func TestControllerDeleteMasksStaleEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// The list keeps echoing the deleted record for a while.
		writeList(w, []Record{rec("A"), rec("B")}, 10, 2)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	ok, err := c.Delete(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"B"}, ids(c.Snapshot().Items))
	assert.Equal(t, 1, c.Snapshot().Meta.Total)

	items, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(items), "stale echo filtered during the grace window")
}

func TestControllerDeleteTreats404AsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
			return
		}
		writeList(w, nil, 10, 0)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})
	ok, err := c.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, ok, "already-gone deletion converges to the desired state")
}

func TestControllerDeleteKeepsRemovalOnFailure(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		gets.Add(1)
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{BypassWindow: time.Millisecond})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	ok, err := c.Delete(context.Background(), "A")
	assert.False(t, ok)
	assert.Equal(t, transport.KindServer, transport.KindOf(err))
	assert.Empty(t, c.Snapshot().Items, "optimistic removal stands until the caller refetches")

	// The failed delete still invalidated cached lists: even after the
	// bypass window a refetch goes to the network, not a stale page.
	time.Sleep(5 * time.Millisecond)
	before := gets.Load()
	items, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Greater(t, gets.Load(), before, "pre-delete cache entry must be gone")
	assert.Empty(t, items, "pending-delete marker masks the server echo")
}

func TestControllerUpdatePatchesWithAliases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Contains(t, body, "display_name", "outgoing payload uses API field names")
			w.WriteHeader(http.StatusOK)
			return
		}
		writeList(w, []Record{rec("A", "display_name", "Old")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{Aliases: map[string]string{"name": "display_name"}})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	patched, err := c.Update(context.Background(), "A", Record{"name": "New"})
	require.NoError(t, err)
	assert.Equal(t, "New", patched["name"])
	assert.Equal(t, "New", patched["display_name"], "both namings patched locally")
}

func TestControllerMutationErrorsStayOffTheListState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"name required"}`))
			return
		}
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	_, err = c.Create(context.Background(), Record{})
	require.Error(t, err)
	assert.Equal(t, transport.KindValidation, transport.KindOf(err))

	snap := c.Snapshot()
	assert.NoError(t, snap.Err, "a failed mutation must not poison the list error")
	assert.Equal(t, []string{"A"}, ids(snap.Items))
}

func TestControllerIdenticalRefetchesShareOneCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(60 * time.Millisecond)
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})

	first := make(chan []Record, 1)
	go func() {
		items, err := c.Refetch(context.Background(), nil)
		assert.NoError(t, err)
		first <- items
	}()
	time.Sleep(20 * time.Millisecond)

	// Same effective query: joins the in-flight fetch instead of killing it.
	items, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(items))
	assert.Equal(t, []string{"A"}, ids(<-first), "both callers share the result")
	assert.Equal(t, int32(1), hits.Load(), "identical overlapping refetches collapse to one call")

	snap := c.Snapshot()
	assert.False(t, snap.Loading, "busy flags settle once the shared fetch resolves")
	assert.False(t, snap.Refreshing)
	assert.NoError(t, snap.Err)
}

func TestControllerCacheHitKeepsPendingCreate(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rec("A", "name", "Nova"))
			return
		}
		gets.Add(1)
		writeList(w, []Record{rec("B")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{BypassWindow: 50 * time.Millisecond})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)

	_, err = c.Create(context.Background(), Record{"name": "Nova"})
	require.NoError(t, err)

	// Inside the bypass window the lagging list is read fresh and reconciled.
	items, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(items))
	netReads := gets.Load()

	// After the window the read is a cache hit of the un-merged list; the
	// created record stays visible for its whole grace period.
	time.Sleep(70 * time.Millisecond)
	items, err = c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(items), "cache hit must not drop the pending create")
	assert.Equal(t, netReads, gets.Load(), "read after the window comes from cache")
}

func TestControllerSupersededFetchIsNoop(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-release
		}
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})

	done := make(chan error, 1)
	go func() {
		// Distinct pages keep the two fetches from coalescing.
		_, err := c.Refetch(context.Background(), &Params{Page: 1})
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)

	// Superseding fetch with different params cancels the first.
	items, err := c.Refetch(context.Background(), &Params{Page: 2})
	close(release)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(items))

	assert.NoError(t, <-done, "a superseded fetch resolves quietly, not as an error")
	snap := c.Snapshot()
	assert.NoError(t, snap.Err)
}

func TestControllerBusEventTriggersRevalidation(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	bus := notify.NewHub()
	c := newTestController(t, srv.URL, Options{Bus: bus})
	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	before := gets.Load()

	bus.Publish(notify.Event{Topic: notify.TopicResource("animals")})

	require.Eventually(t, func() bool { return gets.Load() > before }, time.Second, 10*time.Millisecond,
		"resource event should trigger a background refetch")
}

func TestControllerBusIgnoresOtherResources(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		writeList(w, nil, 10, 0)
	}))
	defer srv.Close()

	bus := notify.NewHub()
	c := newTestController(t, srv.URL, Options{Bus: bus})
	_ = c // subscription happens in the constructor

	bus.Publish(notify.Event{Topic: notify.TopicResource("vaccines")})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, gets.Load())
}

func TestControllerRevalidationSkippedDuringMutation(t *testing.T) {
	var gets atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			<-release
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rec("A"))
			return
		}
		gets.Add(1)
		writeList(w, nil, 10, 0)
	}))
	defer srv.Close()

	bus := notify.NewHub()
	c := newTestController(t, srv.URL, Options{Bus: bus})

	done := make(chan struct{})
	go func() {
		_, _ = c.Create(context.Background(), Record{"name": "X"})
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)

	bus.Publish(notify.Event{Topic: notify.TopicFocus})
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, gets.Load(), "revalidation is a no-op while a mutation is in flight")

	close(release)
	<-done
}

func TestControllerSubscribeDeliversImmediatelyAndOnChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []Record{rec("A")}, 10, 1)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{})

	var snaps []Snapshot
	unsub := c.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })
	require.Len(t, snaps, 1, "current state delivered on subscribe")
	assert.Empty(t, snaps[0].Items)

	_, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	last := snaps[len(snaps)-1]
	assert.Equal(t, []string{"A"}, ids(last.Items))

	unsub()
	n := len(snaps)
	_, _ = c.Refetch(context.Background(), nil)
	assert.Len(t, snaps, n, "unsubscribed listener receives nothing")
}

func TestControllerPolling(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		writeList(w, nil, 10, 0)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, Options{Realtime: true, PollInterval: 30 * time.Millisecond})
	_ = c

	require.Eventually(t, func() bool { return gets.Load() >= 2 }, time.Second, 10*time.Millisecond)
}
