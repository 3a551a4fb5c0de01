package swcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var sermonAudio = bytes.Repeat([]byte{0x49}, 1000)

// switchFetcher records every request and can simulate losing the network.
type switchFetcher struct {
	client  *http.Client
	offline atomic.Bool

	mu    sync.Mutex
	calls []string
}

func newSwitchFetcher() *switchFetcher {
	return &switchFetcher{client: &http.Client{}}
}

func (f *switchFetcher) Do(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()
	if f.offline.Load() {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return f.client.Do(r)
}

func (f *switchFetcher) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []Notification
}

func (n *recordingNotifier) ShowNotification(_ context.Context, nt Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, nt)
	return nil
}

func (n *recordingNotifier) CloseNotification(_ context.Context, nt Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, nt)
	return nil
}

type recordingOpener struct {
	mu     sync.Mutex
	opened []string
}

func (o *recordingOpener) OpenWindow(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	return nil
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	static := map[string]string{
		"/style.css":    "body{}",
		"/app.js":       "console.log(1)",
		"/offline.html": "OFFLINE PAGE",
	}
	for p, body := range static {
		body := body
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>page</h1>"))
	})
	mux.HandleFunc("/not-modified", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	mux.HandleFunc("/media/sermon.mp3", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "sermon.mp3", time.Time{}, bytes.NewReader(sermonAudio))
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	mux.HandleFunc("/admin/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("admin"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, origin string) Config {
	t.Helper()
	y := fmt.Sprintf(`
server:
  origin: %q
storage:
  path: %q
cache:
  name: test
  version: v2
  manifest: [/style.css, /app.js, /offline.html]
queue:
  probeEvery: 0s
`, origin, t.TempDir())
	cfg, err := ParseConfig([]byte(y))
	require.NoError(t, err)
	return cfg
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := OpenStore(cfg.Storage.Path, cfg.ramMax, cfg.diskMax)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newTestWorker(t *testing.T, cfg Config, store *Store, f Fetcher) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, store, Deps{Fetcher: f, Notifier: &recordingNotifier{}, Opener: &recordingOpener{}})
	require.NoError(t, err)
	return w
}

func installAndActivate(t *testing.T, w *Worker) InstallReport {
	t.Helper()
	ctx := context.Background()
	res, err := w.Dispatch(ctx, Event{Kind: EventInstall})
	require.NoError(t, err)
	_, err = w.Dispatch(ctx, Event{Kind: EventActivate})
	require.NoError(t, err)
	return *res.Install
}

func navRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Dest", "document")
	return r
}

func subRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	r.Header.Set("Sec-Fetch-Dest", "image")
	return r
}
