package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const maxCapturedBody = 10 << 20

// Service hosts a Worker behind an HTTP listener: it plays the browser's part
// by turning requests into fetch events, running the install/activate
// lifecycle and raising sync events when the origin becomes reachable again.
type Service struct {
	cfg Config

	httpClient *http.Client
	store      *Store
	worker     *Worker

	online atomic.Bool
	ready  chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenStore(cfg.Storage.Path, cfg.ramMax, cfg.diskMax)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		// Redirects are handed to the browser as-is.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	worker, err := NewWorker(cfg, store, Deps{
		Fetcher:  client,
		Notifier: logNotifier{},
		Opener:   logOpener{},
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: client,
		store:      store,
		worker:     worker,
		ready:      make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
	s.online.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lifecycle()
	}()

	if cfg.probeEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(cfg.probeEveryDur)
		}()
	}

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.store.Close()
}

func (s *Service) Worker() *Worker { return s.worker }

// Ready is closed once the startup install/activate sequence has finished,
// successfully or not.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.ControlPrefix, s.handleControl)
	mux.HandleFunc("/", s.handle)
	return mux
}

// lifecycle installs the current generation and, since install asks to skip
// waiting, activates it right away. Until then the previous generation serves.
func (s *Service) lifecycle() {
	defer close(s.ready)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.worker.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		log.Printf("lifecycle: install failed, keeping %q: %v", s.worker.gens.Active(), err)
		return
	}
	if !s.worker.gens.SkipWaiting() {
		return
	}
	if _, err := s.worker.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
		log.Printf("lifecycle: activate: %v", err)
	}
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()

	if r.Method != http.MethodGet {
		s.forwardWrite(w, r, target)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Set("Accept-Encoding", "identity")

	res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventFetch, Request: out})
	if err != nil {
		// cache-first miss with no network: the resource is simply broken
		setSwcacheHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if !res.Handled {
		s.proxyPass(w, out, OutcomeBypass)
		return
	}
	writeEntry(w, res.Response, res.Outcome)
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, outcome string) {
	ent, err := s.worker.Network(r.Context(), r)
	if err != nil {
		setSwcacheHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, outcome)
}

// forwardWrite sends a write to the origin. When the origin cannot be reached
// the write is queued for replay and the client gets 202.
func (s *Service) forwardWrite(w http.ResponseWriter, r *http.Request, target string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCapturedBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Set("Accept-Encoding", "identity")

	ent, err := s.worker.Network(r.Context(), out)
	if err == nil {
		if !s.online.Swap(true) {
			s.triggerDrain("origin reachable")
		}
		writeEntry(w, ent, OutcomeBypass)
		return
	}

	if !errors.Is(err, ErrTransport) || r.Context().Err() != nil {
		setSwcacheHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.online.Store(false)
	q, qerr := s.worker.Queue().Enqueue(r.Method, target, out.Header, body)
	if qerr != nil {
		log.Printf("queue: %v", qerr)
		setSwcacheHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.worker.stats.Outcome(OutcomeQueued)
	setSwcacheHeaders(w.Header(), OutcomeQueued)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"queued": true, "id": q.ID})
}

// triggerDrain raises the sync event in the background. Overlapping triggers
// join the drain in flight.
func (s *Service) triggerDrain(reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		log.Printf("sync: %s, draining offline writes", reason)
		if _, err := s.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: SyncTagOfflineWrites}); err != nil {
			log.Printf("sync: %v", err)
		}
	}()
}

func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ok := s.probe()
			was := s.online.Swap(ok)
			if was != ok {
				log.Printf("probe: origin online=%t", ok)
			}
			if ok && s.worker.Queue().Len() > 0 {
				s.triggerDrain("origin reachable")
			}
		}
	}
}

func (s *Service) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Server.Origin+s.cfg.Queue.ProbePath, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.worker.stats.Snapshot()
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			log.Printf(
				"Cached: Paths: %d, RAM usage: %s, Disk usage: %s, RSS: %s, Queue: %d, Resp Min/avg/max %s/%s/%s, %s",
				s.store.KeyCount(),
				formatBytes(uint64(s.store.RAMSize())),
				formatBytes(uint64(s.store.TotalSize())),
				rss,
				s.worker.Queue().Len(),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				ss.formatOutcomes(),
			)
		}
	}
}

type statusDoc struct {
	Current   string        `json:"current"`
	Active    string        `json:"active"`
	State     string        `json:"state"`
	Online    bool          `json:"online"`
	Queue     int           `json:"queue"`
	Draining  bool          `json:"draining"`
	Cached    int           `json:"cached"`
	Excluded  []string      `json:"excluded"`
	Stats     statsSnapshot `json:"stats"`
	DiskBytes int64         `json:"diskBytes"`
}

// handleControl serves the host-side event triggers under the control prefix.
func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, s.cfg.Server.ControlPrefix)
	switch {
	case name == "status" && r.Method == http.MethodGet:
		g := s.worker.gens
		writeJSON(w, http.StatusOK, statusDoc{
			Current:   g.Current(),
			Active:    g.Active(),
			State:     g.State().String(),
			Online:    s.online.Load(),
			Queue:     s.worker.Queue().Len(),
			Draining:  s.worker.Queue().Draining(),
			Cached:    len(s.store.Keys(g.Active())),
			Excluded:  s.worker.exclude.Prefixes(),
			Stats:     s.worker.stats.Snapshot(),
			DiskBytes: s.store.TotalSize(),
		})

	case name == "push" && r.Method == http.MethodPost:
		payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil || len(payload) == 0 {
			payload = nil
		}
		res, _ := s.worker.Dispatch(r.Context(), Event{Kind: EventPush, Payload: payload})
		writeJSON(w, http.StatusOK, res.Notification)

	case name == "notificationclick" && r.Method == http.MethodPost:
		ev := Event{Kind: EventNotificationClick, Action: r.URL.Query().Get("action")}
		ev.Notification.URL = r.URL.Query().Get("url")
		res, err := s.worker.Dispatch(r.Context(), ev)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"opened": res.Opened})

	case name == "sync" && r.Method == http.MethodPost:
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			tag = SyncTagOfflineWrites
		}
		res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventSync, Tag: tag})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if !res.Handled {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sync tag"})
			return
		}
		writeJSON(w, http.StatusOK, res.Drain)

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEntry(w http.ResponseWriter, ent Response, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSwcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Swcache", outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

type logNotifier struct{}

func (logNotifier) ShowNotification(_ context.Context, n Notification) error {
	log.Printf("notification: show title=%q body=%q url=%s", n.Title, n.Body, n.URL)
	return nil
}

func (logNotifier) CloseNotification(_ context.Context, n Notification) error {
	log.Printf("notification: close title=%q", n.Title)
	return nil
}

type logOpener struct{}

func (logOpener) OpenWindow(_ context.Context, url string) error {
	log.Printf("notification: open window %s", url)
	return nil
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
