package swcache

import (
	"hash/crc32"
	"net/http"
	"time"
)

// ResponseType mirrors the fetch response types that matter for caching.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Response is a fully buffered response snapshot. Once built it is never
// mutated, so the same value is handed to the caller and to the store.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string

	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func newResponse(status int, h http.Header, body []byte, typ ResponseType, rawURL string) Response {
	hdr := cloneHeader(h)
	hdr.Del("Content-Length")
	return Response{
		Status:   status,
		Header:   hdr,
		Body:     body,
		Type:     typ,
		URL:      rawURL,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
