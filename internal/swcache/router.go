package swcache

import (
	"net/http"
	"strings"
)

// Strategy is the dispatch decision taken for an intercepted request.
type Strategy int

const (
	PassThrough Strategy = iota
	NetworkFirst
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	default:
		return "pass-through"
	}
}

// Route picks a strategy before any network or cache access. Only GET is
// intercepted; writes belong to the caller.
func Route(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return PassThrough
	}
	if IsNavigation(r) {
		return NetworkFirst
	}
	return CacheFirst
}

// IsNavigation reports whether r is a top-level document load. Fetch metadata
// headers decide when present; otherwise an Accept header asking for HTML is
// taken as a navigation.
func IsNavigation(r *http.Request) bool {
	mode := r.Header.Get("Sec-Fetch-Mode")
	dest := r.Header.Get("Sec-Fetch-Dest")
	if mode != "" || dest != "" {
		return strings.EqualFold(mode, "navigate") || strings.EqualFold(dest, "document")
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt := strings.TrimSpace(part)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if strings.EqualFold(mt, "text/html") {
			return true
		}
	}
	return false
}

// RequestKey derives the cache key of a GET request.
func RequestKey(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return http.MethodGet + " " + u.String()
}

// PathExcluder is the single predicate both strategies consult before writing
// a response back to the store.
type PathExcluder []pathPrefixMatcher

func (e PathExcluder) Excluded(path string) bool {
	for _, m := range e {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Prefixes returns the configured prefixes, for logs and status output.
func (e PathExcluder) Prefixes() []string {
	out := make([]string, 0, len(e))
	for _, m := range e {
		out = append(out, m.Prefix)
	}
	return out
}
