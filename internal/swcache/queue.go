package swcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/singleflight"
)

const queuePrefix = "q:"

// SyncTagOfflineWrites is the sync tag that drains the offline write queue.
const SyncTagOfflineWrites = "offline-writes"

// QueuedRequest is a write the origin never confirmed.
type QueuedRequest struct {
	ID     string
	Seq    uint64
	Method string
	URL    string
	Header http.Header
	Body   []byte

	EnqueuedAt    int64 // unix nanoseconds
	Attempts      int
	LastAttemptAt int64
	LastError     string
}

type DrainReport struct {
	Replayed  int
	Kept      int
	Remaining int
	// Shared is set when this caller joined a drain already in flight.
	Shared bool
	// Interrupted holds the transport error that ended the cycle early, if any.
	Interrupted string
}

// Queue is the durable offline write queue. Entries leave it only after the
// origin confirmed a replay with a 2xx status.
type Queue struct {
	db     *leveldb.DB
	client Fetcher

	mu  sync.Mutex
	seq uint64

	flight   singleflight.Group
	draining atomic.Bool
}

func OpenQueue(db *leveldb.DB, client Fetcher) (*Queue, error) {
	q := &Queue{db: db, client: client}
	it := db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	if it.Last() {
		k := bytes.TrimPrefix(it.Key(), []byte(queuePrefix))
		if len(k) == 8 {
			q.seq = binary.BigEndian.Uint64(k)
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

func queueKey(seq uint64) []byte {
	k := make([]byte, len(queuePrefix)+8)
	copy(k, queuePrefix)
	binary.BigEndian.PutUint64(k[len(queuePrefix):], seq)
	return k
}

// Enqueue persists a write for later replay.
func (q *Queue) Enqueue(method, rawURL string, header http.Header, body []byte) (QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ent := QueuedRequest{
		ID:         uuid.NewString(),
		Seq:        q.seq + 1,
		Method:     method,
		URL:        rawURL,
		Header:     cloneHeader(header),
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now().UnixNano(),
	}
	ent.Header.Del("Content-Length")
	b, err := encodeGob(ent)
	if err != nil {
		return QueuedRequest{}, err
	}
	if err := q.db.Put(queueKey(ent.Seq), b, nil); err != nil {
		return QueuedRequest{}, fmt.Errorf("enqueue %s %s: %w", method, rawURL, err)
	}
	q.seq = ent.Seq
	log.Printf("queue: enqueued %s %s id=%s", method, rawURL, ent.ID)
	return ent, nil
}

// Capture reads r's body and enqueues it. maxBody bounds the captured body.
func (q *Queue) Capture(r *http.Request, maxBody int64) (QueuedRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return QueuedRequest{}, fmt.Errorf("capture body: %w", err)
		}
		if int64(len(b)) > maxBody {
			return QueuedRequest{}, fmt.Errorf("capture body: larger than %d bytes", maxBody)
		}
		body = b
	}
	return q.Enqueue(r.Method, r.URL.String(), r.Header, body)
}

// Entries returns queued writes in enqueue order.
func (q *Queue) Entries() ([]QueuedRequest, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	var out []QueuedRequest
	for it.Next() {
		var ent QueuedRequest
		if err := decodeGob(it.Value(), &ent); err != nil {
			log.Printf("queue: skip undecodable entry %x: %v", it.Key(), err)
			continue
		}
		out = append(out, ent)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

func (q *Queue) Len() int {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Draining reports whether a drain is in progress.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Drain replays queued writes in order. Concurrent calls join the drain
// already in flight instead of starting another one.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	v, err, shared := q.flight.Do("drain", func() (any, error) {
		q.draining.Store(true)
		defer q.draining.Store(false)
		return q.drainOnce(ctx)
	})
	rep, _ := v.(DrainReport)
	rep.Shared = shared
	return rep, err
}

func (q *Queue) drainOnce(ctx context.Context) (DrainReport, error) {
	var rep DrainReport
	entries, err := q.Entries()
	if err != nil {
		return rep, err
	}

	for i, ent := range entries {
		if err := ctx.Err(); err != nil {
			rep.Interrupted = err.Error()
			rep.Kept += len(entries) - i
			break
		}
		status, err := q.replay(ctx, ent)
		if err == nil && status >= 200 && status < 300 {
			if err := q.db.Delete(queueKey(ent.Seq), nil); err != nil {
				log.Printf("queue: remove id=%s after replay: %v", ent.ID, err)
				rep.Kept++
				continue
			}
			rep.Replayed++
			continue
		}

		ent.Attempts++
		ent.LastAttemptAt = time.Now().UnixNano()
		if err != nil {
			ent.LastError = err.Error()
		} else {
			ent.LastError = fmt.Sprintf("status %d", status)
		}
		q.persist(ent)
		rep.Kept++

		if errors.Is(err, ErrTransport) {
			// still offline; the rest waits for the next reconnect
			rep.Interrupted = err.Error()
			rep.Kept += len(entries) - i - 1
			break
		}
	}

	rep.Remaining = q.Len()
	log.Printf("queue: drain replayed=%d kept=%d remaining=%d", rep.Replayed, rep.Kept, rep.Remaining)
	return rep, nil
}

func (q *Queue) persist(ent QueuedRequest) {
	b, err := encodeGob(ent)
	if err != nil {
		return
	}
	if err := q.db.Put(queueKey(ent.Seq), b, nil); err != nil {
		log.Printf("queue: update id=%s: %v", ent.ID, err)
	}
}

func (q *Queue) replay(ctx context.Context, ent QueuedRequest) (int, error) {
	req, err := http.NewRequestWithContext(ctx, ent.Method, ent.URL, bytes.NewReader(ent.Body))
	if err != nil {
		return 0, err
	}
	copyHeaders(req.Header, ent.Header)
	req.Header.Set("X-Swcache-Replay", ent.ID)

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: replay %s %s: %v", ErrTransport, ent.Method, ent.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
