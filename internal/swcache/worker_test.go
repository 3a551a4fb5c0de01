package swcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallCachesManifestAndIsolatesFailures(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	cfg.Cache.Manifest = []string{"/style.css", "/missing.js", "/app.js", "/api/boot", "/offline.html"}
	store := openTestStore(t, cfg)
	w := newTestWorker(t, cfg, store, newSwitchFetcher())

	rep := installAndActivate(t, w)

	assert.ElementsMatch(t, []string{"/style.css", "/app.js", "/offline.html"}, rep.Cached)
	assert.Contains(t, rep.Failed, "/missing.js")
	assert.Contains(t, rep.Failed, "/api/boot")
	for _, p := range rep.Cached {
		_, ok := store.Match("test-v2", "GET "+origin.URL+p)
		assert.True(t, ok, p)
	}
	_, ok := store.Match("test-v2", "GET "+origin.URL+"/api/boot")
	assert.False(t, ok)
	assert.Equal(t, StateActivated, w.Generations().State())
}

func TestInstallSurvivesOfflineOrigin(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	store := openTestStore(t, cfg)
	f := newSwitchFetcher()
	f.offline.Store(true)
	w := newTestWorker(t, cfg, store, f)

	rep := installAndActivate(t, w)
	assert.Empty(t, rep.Cached)
	assert.Len(t, rep.Failed, 3)
	assert.Equal(t, "test-v2", w.Generations().Active())
}

func TestActivateBeforeInstall(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	w := newTestWorker(t, cfg, openTestStore(t, cfg), newSwitchFetcher())

	_, err := w.Dispatch(context.Background(), Event{Kind: EventActivate})
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestActivateSweepsOldGenerations(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	store := openTestStore(t, cfg)

	oldKey := "GET " + origin.URL + "/style.css"
	require.NoError(t, store.CreateGeneration("test-v1"))
	require.NoError(t, store.Put("test-v1", oldKey, sampleResponse(origin.URL+"/style.css", "old css")))
	require.NoError(t, store.CreateGeneration("other-v0"))
	require.NoError(t, store.SetActive("test-v1"))

	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, store, f)
	require.Equal(t, "test-v1", w.Generations().Active())

	// the previous deployment keeps serving until activation
	res, err := w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/style.css")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "old css", string(res.Response.Body))

	_, err = w.Dispatch(context.Background(), Event{Kind: EventInstall})
	require.NoError(t, err)
	act, err := w.Dispatch(context.Background(), Event{Kind: EventActivate})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test-v1", "other-v0"}, act.Activate.Deleted)

	gens, err := store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"test-v2"}, gens)
	_, ok := store.Match("test-v1", oldKey)
	assert.False(t, ok)

	res, err = w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/style.css")})
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(res.Response.Body))

	active, err := store.Active()
	require.NoError(t, err)
	assert.Equal(t, "test-v2", active)
}

func TestFetchNotInterceptedBeforeActivation(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	w := newTestWorker(t, cfg, openTestStore(t, cfg), newSwitchFetcher())

	res, err := w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/page")})
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestFetchIgnoresWrites(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, openTestStore(t, cfg), f)
	installAndActivate(t, w)

	r, err := http.NewRequest(http.MethodPost, origin.URL+"/page", nil)
	require.NoError(t, err)
	res, err := w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: r})
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Zero(t, f.count(http.MethodPost, "/page"))
}

func TestNetworkFirst(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	store := openTestStore(t, cfg)
	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, store, f)
	installAndActivate(t, w)
	ctx := context.Background()

	t.Run("live response is returned and stored", func(t *testing.T) {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/page")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNetwork, res.Outcome)
		assert.Equal(t, "<h1>page</h1>", string(res.Response.Body))
		store.Sync()
		_, ok := store.Peek("test-v2", "GET "+origin.URL+"/page")
		assert.True(t, ok)
	})

	t.Run("server errors are not a fallback trigger", func(t *testing.T) {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/boom")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNetwork, res.Outcome)
		assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	})

	t.Run("excluded paths are never stored", func(t *testing.T) {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/admin/dashboard")})
		require.NoError(t, err)
		assert.Equal(t, "admin", string(res.Response.Body))
		store.Sync()
		_, ok := store.Peek("test-v2", "GET "+origin.URL+"/admin/dashboard")
		assert.False(t, ok)
	})

	t.Run("offline falls back to the cached copy", func(t *testing.T) {
		f.offline.Store(true)
		defer f.offline.Store(false)
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/page")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCache, res.Outcome)
		assert.Equal(t, "<h1>page</h1>", string(res.Response.Body))
	})

	t.Run("offline without a cached copy serves the offline document", func(t *testing.T) {
		f.offline.Store(true)
		defer f.offline.Store(false)
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/never-visited")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, "OFFLINE PAGE", string(res.Response.Body))
	})
}

func TestNetworkFirstBuiltinOfflinePage(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	cfg.Cache.Manifest = nil
	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, openTestStore(t, cfg), f)
	installAndActivate(t, w)

	f.offline.Store(true)
	res, err := w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/page")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	assert.Contains(t, string(res.Response.Body), "You are offline")
}

func TestCacheFirst(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	store := openTestStore(t, cfg)
	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, store, f)
	installAndActivate(t, w)
	ctx := context.Background()

	t.Run("precached asset is served without network", func(t *testing.T) {
		before := f.count(http.MethodGet, "/app.js")
		for i := 0; i < 3; i++ {
			res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/app.js")})
			require.NoError(t, err)
			assert.Equal(t, OutcomeHit, res.Outcome)
		}
		assert.Equal(t, before, f.count(http.MethodGet, "/app.js"))
	})

	t.Run("miss populates the cache once", func(t *testing.T) {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/page")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeMiss, res.Outcome)
		store.Sync()

		res, err = w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/page")})
		require.NoError(t, err)
		assert.Equal(t, OutcomeHit, res.Outcome)
		assert.Equal(t, 1, f.count(http.MethodGet, "/page"))
	})

	t.Run("excluded api responses are never stored", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/api/events")})
			require.NoError(t, err)
			assert.Equal(t, OutcomeMiss, res.Outcome)
			store.Sync()
		}
		_, ok := store.Peek("test-v2", "GET "+origin.URL+"/api/events")
		assert.False(t, ok)
		assert.Equal(t, 2, f.count(http.MethodGet, "/api/events"))
	})

	t.Run("error statuses are not stored", func(t *testing.T) {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/boom")})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
		store.Sync()
		_, ok := store.Peek("test-v2", "GET "+origin.URL+"/boom")
		assert.False(t, ok)
	})

	t.Run("cross-origin responses are not stored", func(t *testing.T) {
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("font"))
		}))
		defer cdn.Close()

		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, cdn.URL+"/font.woff2")})
		require.NoError(t, err)
		assert.Equal(t, TypeOpaque, res.Response.Type)
		store.Sync()
		_, ok := store.Peek("test-v2", "GET "+cdn.URL+"/font.woff2")
		assert.False(t, ok)
	})

	t.Run("offline miss propagates the failure", func(t *testing.T) {
		f.offline.Store(true)
		defer f.offline.Store(false)
		_, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: subRequest(t, origin.URL+"/img/logo.png")})
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestOfflineScenario(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	store := openTestStore(t, cfg)
	f := newSwitchFetcher()
	w := newTestWorker(t, cfg, store, f)

	rep := installAndActivate(t, w)
	require.Len(t, rep.Cached, 3)

	f.offline.Store(true)
	res, err := w.Dispatch(context.Background(), Event{Kind: EventFetch, Request: navRequest(t, origin.URL+"/events/2026")})
	require.NoError(t, err)
	assert.Equal(t, "OFFLINE PAGE", string(res.Response.Body))
}

func TestDispatchUnknownEvent(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(t, origin.URL)
	w := newTestWorker(t, cfg, openTestStore(t, cfg), newSwitchFetcher())

	_, err := w.Dispatch(context.Background(), Event{Kind: "message"})
	assert.ErrorIs(t, err, ErrNoHandler)

	res, err := w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: "periodic-refresh"})
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestInstallDiscoversSitemapPaths(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<sitemapindex><sitemap><loc>` + base + `/pages.xml</loc></sitemap></sitemapindex>`))
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<urlset>
  <url><loc>` + base + `/about</loc></url>
  <url><loc>/events</loc></url>
  <url><loc>` + base + `/api/feed</loc></url>
  <url><loc>https://elsewhere.example/x</loc></url>
</urlset>`))
	})
	for _, p := range []string{"/about", "/events", "/style.css"} {
		body := "page " + p
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(body)) })
	}
	origin := httptest.NewServer(mux)
	defer origin.Close()
	base = origin.URL

	cfg := testConfig(t, origin.URL)
	cfg.Cache.Manifest = []string{"/style.css"}
	cfg.Cache.Sitemaps = []string{"/sitemap.xml"}
	w := newTestWorker(t, cfg, openTestStore(t, cfg), newSwitchFetcher())

	rep := installAndActivate(t, w)
	assert.ElementsMatch(t, []string{"/style.css", "/about", "/events"}, rep.Cached)
	assert.Empty(t, rep.Failed)
}
