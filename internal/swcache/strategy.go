package swcache

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// ErrTransport marks failures where no HTTP response was obtained at all
// (offline, DNS, timeout, broken body). Error statuses are not transport
// failures.
var ErrTransport = errors.New("transport failure")

// Outcomes reported in the X-Swcache header.
const (
	OutcomeNetwork    = "network"
	OutcomeCache      = "cache"
	OutcomeOffline    = "offline"
	OutcomeHit        = "hit"
	OutcomeMiss       = "miss"
	OutcomeBypass     = "bypass"
	OutcomeQueued     = "queued"
	OutcomeBadGateway = "bad-gateway"
)

//go:embed assets/offline.html
var builtinOfflinePage []byte

// Fetcher issues network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// fetch performs r and buffers the full response.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (Response, error) {
	req := r.Clone(ctx)
	resp, err := w.fetcher.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %v", ErrTransport, r.Method, r.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read %s: %v", ErrTransport, r.URL, err)
	}
	return newResponse(resp.StatusCode, resp.Header, body, w.responseType(r, resp), r.URL.String()), nil
}

// conditionalHeaders make the origin answer relative to a copy the client
// holds, which the cache does not share.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// fetchForCache performs an intercepted GET without the client's validators so
// that the answer is a full representation.
func (w *Worker) fetchForCache(ctx context.Context, r *http.Request) (Response, error) {
	req := r.Clone(ctx)
	for _, h := range conditionalHeaders {
		req.Header.Del(h)
	}
	return w.fetch(ctx, req)
}

// storable reports whether resp can stand in for a plain request to r.
// Partial and not-modified answers never become snapshots.
func storable(r *http.Request, resp Response) bool {
	if r.Header.Get("Range") != "" {
		return false
	}
	switch resp.Status {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	return true
}

func (w *Worker) responseType(r *http.Request, resp *http.Response) ResponseType {
	if strings.EqualFold(r.URL.Scheme, w.origin.Scheme) && strings.EqualFold(r.URL.Host, w.origin.Host) {
		return TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// networkFirst serves documents: live response, else cached copy, else the
// offline document. It never returns an error.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request) (Response, string) {
	key := RequestKey(r)
	gen := w.gens.Active()

	resp, err := w.fetchForCache(ctx, r)
	if err == nil {
		// Any HTTP answer counts as success here, 5xx included.
		w.writeBack(gen, key, r, resp)
		return resp, OutcomeNetwork
	}
	log.Printf("network-first %s: %v", r.URL.Path, err)

	if ent, ok := w.store.Match(gen, key); ok {
		return ent, OutcomeCache
	}
	return w.offlineDocument(gen), OutcomeOffline
}

// cacheFirst serves sub-resources. On a miss with no network the transport
// error is returned to the caller.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request) (Response, string, error) {
	key := RequestKey(r)
	gen := w.gens.Active()

	if ent, ok := w.store.Match(gen, key); ok {
		return ent, OutcomeHit, nil
	}

	resp, err := w.fetchForCache(ctx, r)
	if err != nil {
		return Response{}, OutcomeMiss, err
	}
	if resp.Status == http.StatusOK && resp.Type == TypeBasic {
		w.writeBack(gen, key, r, resp)
	}
	return resp, OutcomeMiss, nil
}

// writeBack queues resp for storage unless the path is excluded. It never
// blocks the caller and never fails it.
func (w *Worker) writeBack(gen, key string, r *http.Request, resp Response) {
	if gen == "" || w.exclude.Excluded(r.URL.Path) || !storable(r, resp) {
		return
	}
	if cur, ok := w.store.Peek(gen, key); ok && cur.Hash32 == resp.Hash32 && cur.Status == resp.Status {
		return
	}
	w.store.PutAsync(gen, key, resp)
}

func (w *Worker) offlineDocument(gen string) Response {
	if ent, ok := w.store.Match(gen, w.offlineKey); ok {
		return ent
	}
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return newResponse(http.StatusServiceUnavailable, h, builtinOfflinePage, TypeBasic, w.offlineURL)
}
