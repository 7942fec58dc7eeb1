package syncline_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline"
	"github.com/syncline/syncline/internal/mockapi"
	"github.com/syncline/syncline/resource"
)

// The full stack against the mock upstream: cookie session with anti-forgery
// rotation, cached and coalesced reads, optimistic mutations reconciled
// against a lagging list endpoint, and transparent credential refresh.
func TestEndToEnd(t *testing.T) {
	api := mockapi.New()
	api.Seed("animals", []map[string]any{
		{"id": "a1", "name": "Milo"},
		{"id": "a2", "name": "Otis"},
	})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	client, err := syncline.New(syncline.Config{
		BaseURL:  srv.URL,
		CacheDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Login(ctx, map[string]string{"username": "demo", "password": "demo"}))

	ctrl := client.Collection(resource.Options{
		Slug:     "animals",
		Path:     "/api/animals",
		Defaults: resource.Params{Page: 1, Limit: 10},
	})
	defer ctrl.Close()

	// Initial fetch hits the network once.
	items, err := ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, api.ListCalls("animals"))

	// An identical fetch inside the freshness window is a pure cache hit.
	items, err = ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, api.ListCalls("animals"), "fresh reads must not reach the upstream")

	// Creates land on the write side immediately but the list endpoint lags.
	api.SetListLag(5 * time.Second)
	created, err := ctrl.Create(ctx, resource.Record{"name": "Nova"})
	require.NoError(t, err)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	snap := ctrl.Snapshot()
	require.Len(t, snap.Items, 3)
	assert.Equal(t, "Nova", snap.Items[0]["name"], "created record prepended")
	assert.Equal(t, 3, snap.Meta.Total)

	// A refetch against the lagging list keeps the optimistic record on top.
	items, err = ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Nova", items[0]["name"])

	// An expired credential mid-flight is refreshed and the read replayed
	// without surfacing an error.
	api.ExpireNextRequest()
	items, err = ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NoError(t, ctrl.Snapshot().Err)

	// Updates patch the local record in place.
	patched, err := ctrl.Update(ctx, "a1", resource.Record{"name": "Milo II"})
	require.NoError(t, err)
	assert.Equal(t, "Milo II", patched["name"])

	// Deletes remove optimistically and mask the record for the grace window.
	ok, err := ctrl.Delete(ctx, "a2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		for _, r := range ctrl.Snapshot().Items {
			if r["id"] == "a2" {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond, "deleted record must stay gone")
}

func TestEndToEndRateLimitFallsBackToCache(t *testing.T) {
	api := mockapi.New()
	api.Seed("animals", []map[string]any{{"id": "a1", "name": "Milo"}})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	client, err := syncline.New(syncline.Config{
		BaseURL:  srv.URL,
		CacheTTL: 50 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Login(ctx, map[string]string{"username": "demo", "password": "demo"}))

	ctrl := client.Collection(resource.Options{
		Slug:     "animals",
		Path:     "/api/animals",
		Defaults: resource.Params{Page: 1, Limit: 10},
	})
	defer ctrl.Close()

	items, err := ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Let the entry go stale, then rate-limit the upstream: the stale copy
	// is served instead of an error and a backoff window opens.
	time.Sleep(80 * time.Millisecond)
	api.InjectRateLimit(1, 2)

	items, err = ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 1, "stale cache beats a rate-limit error")

	_, active := client.Gateway.BackoffUntil("animals")
	assert.True(t, active, "429 must open a backoff window")

	// Inside the window reads stay off the network.
	before := api.ListCalls("animals")
	_, err = ctrl.Refetch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, api.ListCalls("animals"))
}

func TestForcedSignoutReason(t *testing.T) {
	api := mockapi.New()
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	var reason string
	client, err := syncline.New(syncline.Config{
		BaseURL:   srv.URL,
		Logger:    zerolog.Nop(),
		OnSignout: func(r string) { reason = r },
	})
	require.NoError(t, err)
	defer client.Close()

	// No login: the session probe confirms unauthenticated and forces the
	// sign-out path.
	err = client.Auth.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no_session", reason)
}
