package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverManifest walks the configured sitemaps (following nested indexes)
// and returns the same-origin, non-excluded paths they list. A sitemap that
// cannot be fetched is logged and skipped.
func (w *Worker) discoverManifest(ctx context.Context) []string {
	if len(w.sitemaps) == 0 {
		return nil
	}

	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(w.sitemaps))
	for _, sm := range w.sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, w.normalizeMaybeRelativeURL(sm))
	}

	var out []string
	for len(queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			log.Printf("install: sitemap %q: %v", smURL, err)
			continue
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.normalizeMaybeRelativeURL(nested))
			}
		}

		ignored := 0
		for _, loc := range doc.URLs {
			path, ok := w.pathFromLoc(loc)
			if !ok || w.exclude.Excluded(path) {
				ignored++
				continue
			}
			if _, dup := seenPaths[path]; dup {
				continue
			}
			seenPaths[path] = struct{}{}
			out = append(out, path)
		}
		log.Printf("install: sitemap=%q urls=%d ignored=%d", smURL, len(doc.URLs), ignored)
	}
	return out
}

func (w *Worker) normalizeMaybeRelativeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.originBase + u
}

func (w *Worker) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers send .gz sitemaps with Content-Encoding gzip, in which case
	// the transport already inflated them; sniff the magic bytes too.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc keeps only locations on the origin; the install fetches paths.
func (w *Worker) pathFromLoc(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || !strings.EqualFold(u.Host, w.origin.Host) {
			return "", false
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p, true
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc, true
}
