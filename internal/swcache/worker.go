package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// EventKind names a lifecycle or interception event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// ErrNoHandler is returned when an event kind has no registered handler.
var ErrNoHandler = errors.New("no handler for event")

// Event carries the inputs of one event. Only the fields of its Kind are set.
type Event struct {
	Kind EventKind

	Request *http.Request // fetch

	Tag string // sync

	Payload []byte // push; nil when the push carried no data

	Action       string       // notificationclick
	Notification Notification // notificationclick
}

// Result is what a handler resolved the event to.
type Result struct {
	// Handled is false when the event was left to the host, e.g. a non-GET
	// fetch or a sync with an unknown tag.
	Handled bool

	Response Response
	Outcome  string

	Install      *InstallReport
	Activate     *ActivateReport
	Drain        *DrainReport
	Notification *Notification
	Opened       string
}

// HandlerFunc handles one event kind in the dispatch table.
type HandlerFunc func(ctx context.Context, ev Event) (Result, error)

// Deps are the host capabilities the worker consumes.
type Deps struct {
	Fetcher  Fetcher
	Notifier Notifier
	Opener   WindowOpener
}

// Worker is the cache orchestrator. Its dispatch table is built once in
// NewWorker and never changes afterwards.
type Worker struct {
	origin     *url.URL
	originBase string
	manifest   []string
	sitemaps   []string
	jobs       int
	exclude    PathExcluder
	offlineURL string
	offlineKey string

	fetcher Fetcher
	store   *Store
	gens    *Generations
	queue   *Queue
	push    *NotificationGateway
	stats   *statsCollector

	handlers map[EventKind]HandlerFunc
}

// NewWorker wires a worker over store and builds its dispatch table.
func NewWorker(cfg Config, store *Store, deps Deps) (*Worker, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("worker: fetcher is required")
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("worker: origin: %w", err)
	}
	gens, err := NewGenerations(store, cfg.GenerationName())
	if err != nil {
		return nil, err
	}
	queue, err := OpenQueue(store.DB(), deps.Fetcher)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		origin:     origin,
		originBase: cfg.Server.Origin,
		manifest:   cfg.Cache.Manifest,
		sitemaps:   cfg.Cache.Sitemaps,
		jobs:       cfg.Cache.InstallJobs,
		exclude:    PathExcluder(cfg.exclude),
		offlineURL: cfg.Server.Origin + cfg.Cache.OfflinePath,
		fetcher:    deps.Fetcher,
		store:      store,
		gens:       gens,
		queue:      queue,
		stats:      newStatsCollector(),
		push: NewNotificationGateway(NotificationDefaults{
			Title:       cfg.Notifications.Title,
			DefaultBody: cfg.Notifications.DefaultBody,
			Icon:        cfg.Notifications.Icon,
			Badge:       cfg.Notifications.Badge,
			TargetURL:   cfg.Notifications.TargetURL,
		}, deps.Notifier, deps.Opener),
	}
	w.offlineKey = http.MethodGet + " " + w.offlineURL

	w.handlers = map[EventKind]HandlerFunc{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventFetch:             w.onFetch,
		EventSync:              w.onSync,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
	}
	return w, nil
}

func (w *Worker) Generations() *Generations { return w.gens }
func (w *Worker) Queue() *Queue             { return w.queue }
func (w *Worker) Store() *Store             { return w.store }

// Dispatch routes ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoHandler, ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) onInstall(ctx context.Context, _ Event) (Result, error) {
	manifest := append([]string(nil), w.manifest...)
	manifest = append(manifest, w.discoverManifest(ctx)...)
	rep, err := w.gens.Install(ctx, manifest, w.jobs, w.fetchAsset, w.exclude)
	if err != nil {
		return Result{}, err
	}
	return Result{Handled: true, Install: &rep}, nil
}

func (w *Worker) fetchAsset(ctx context.Context, path string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.originBase+path, nil)
	if err != nil {
		return Response{}, err
	}
	return w.fetch(ctx, req)
}

func (w *Worker) onActivate(ctx context.Context, _ Event) (Result, error) {
	rep, err := w.gens.Activate(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Handled: true, Activate: &rep}, nil
}

// onFetch intercepts GET requests once a generation is active. Navigations
// always resolve; sub-resource misses without network return the transport
// error.
func (w *Worker) onFetch(ctx context.Context, ev Event) (Result, error) {
	r := ev.Request
	if r == nil {
		return Result{}, fmt.Errorf("fetch event without request")
	}
	strategy := Route(r)
	if strategy == PassThrough || w.gens.Active() == "" {
		return Result{Handled: false}, nil
	}

	var res Result
	switch strategy {
	case NetworkFirst:
		resp, outcome := w.networkFirst(ctx, r)
		res = Result{Handled: true, Response: resp, Outcome: outcome}
	case CacheFirst:
		resp, outcome, err := w.cacheFirst(ctx, r)
		if err != nil {
			w.stats.Outcome(OutcomeBadGateway)
			return Result{Handled: true, Outcome: outcome}, err
		}
		res = Result{Handled: true, Response: resp, Outcome: outcome}
	}
	w.stats.Outcome(res.Outcome)
	w.stats.Observe(len(res.Response.Body))
	return res, nil
}

// Network performs r without touching the cache. Hosts use it for requests the
// worker left unhandled.
func (w *Worker) Network(ctx context.Context, r *http.Request) (Response, error) {
	return w.fetch(ctx, r)
}

func (w *Worker) onSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != SyncTagOfflineWrites {
		return Result{Handled: false}, nil
	}
	rep, err := w.queue.Drain(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Handled: true, Drain: &rep}, nil
}

func (w *Worker) onPush(ctx context.Context, ev Event) (Result, error) {
	n := w.push.HandlePush(ctx, ev.Payload)
	return Result{Handled: true, Notification: &n}, nil
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event) (Result, error) {
	opened, err := w.push.HandleClick(ctx, ev.Action, ev.Notification)
	if err != nil {
		return Result{}, fmt.Errorf("notificationclick: %w", err)
	}
	return Result{Handled: true, Opened: opened}, nil
}
