package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              generation marker (created-at, gob int64)
//	c:<generation>\x00<key>     cached Response (gob)
//	m:<generation>\x00<key>     entry meta (gob diskMeta)
//	meta:active                 name of the generation serving reads
//	q:<seq>                     offline queue entries, see queue.go
const (
	genPrefix   = "g:"
	entryPrefix = "c:"
	metaPrefix  = "m:"
	activeKey   = "meta:active"
)

// ErrUnknownGeneration is returned when writing into a generation that was
// never created or has already been swept.
var ErrUnknownGeneration = errors.New("unknown cache generation")

func fullKey(gen, key string) string { return gen + "\x00" + key }

func splitFullKey(fk string) (gen, key string) {
	i := strings.IndexByte(fk, 0)
	if i < 0 {
		return "", fk
	}
	return fk[:i], fk[i+1:]
}

// Store is the durable, generation-partitioned response cache. Reads are
// served from a RAM LRU tier when possible; all writes go through a single
// writer goroutine so that generation drops are ordered after the writes that
// preceded them.
type Store struct {
	maxBytes int64

	db  *leveldb.DB
	ram *ramCache

	mu        sync.Mutex
	gens      map[string]struct{}
	index     map[string]diskMeta
	totalSize int64

	ops  chan storeOp
	done chan struct{}

	failLog *rateLimitedLogger
}

type diskMeta struct {
	Size       int64
	LastAccess int64 // unix nanoseconds
}

type opKind int

const (
	opPut opKind = iota
	opTouch
	opDropGeneration
	opBarrier
)

type storeOp struct {
	kind opKind
	gen  string
	key  string
	ent  *Response
	done chan error
}

// OpenStore opens (or creates) the leveldb database at path.
func OpenStore(path string, ramMax, diskMax int64) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	s := &Store{
		maxBytes: diskMax,
		db:       db,
		ram:      newRAMCache(ramMax),
		gens:     map[string]struct{}{},
		index:    map[string]diskMeta{},
		ops:      make(chan storeOp, 1024),
		done:     make(chan struct{}),
		failLog:  newRateLimitedLogger(time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) Close() {
	close(s.ops)
	<-s.done
	_ = s.db.Close()
}

// DB exposes the underlying database for co-located durable state.
func (s *Store) DB() *leveldb.DB { return s.db }

func (s *Store) loadIndex() error {
	gens := map[string]struct{}{}
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		gens[string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	var total int64
	idx := map[string]diskMeta{}
	it = s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()
	for it.Next() {
		fk := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[fk] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.gens = gens
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// CreateGeneration registers a generation. Creating an existing generation is
// a no-op that keeps its entries.
func (s *Store) CreateGeneration(gen string) error {
	s.mu.Lock()
	_, ok := s.gens[gen]
	s.mu.Unlock()
	if ok {
		return nil
	}
	b, err := encodeGob(time.Now().Unix())
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(genPrefix+gen), b, nil); err != nil {
		return fmt.Errorf("create generation %s: %w", gen, err)
	}
	s.mu.Lock()
	s.gens[gen] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Generations lists every known generation name in sorted order.
func (s *Store) Generations() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HasGeneration(gen string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[gen]
	return ok
}

// DeleteGeneration removes a generation with all of its entries. It is ordered
// after every write queued before it.
func (s *Store) DeleteGeneration(gen string) error {
	done := make(chan error, 1)
	s.ops <- storeOp{kind: opDropGeneration, gen: gen, done: done}
	return <-done
}

// Active returns the generation currently serving reads, or "" if none.
func (s *Store) Active() (string, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active generation: %w", err)
	}
	return string(b), nil
}

func (s *Store) SetActive(gen string) error {
	if err := s.db.Put([]byte(activeKey), []byte(gen), nil); err != nil {
		return fmt.Errorf("write active generation: %w", err)
	}
	return nil
}

// Peek reads an entry without touching its recency.
func (s *Store) Peek(gen, key string) (Response, bool) {
	fk := fullKey(gen, key)
	if ent, ok := s.ram.Peek(fk); ok {
		return ent, true
	}
	return s.diskPeek(fk)
}

func (s *Store) diskPeek(fk string) (Response, bool) {
	b, err := s.db.Get([]byte(entryPrefix+fk), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.failLog.Printf("store: read %q: %v", fk, err)
		}
		return Response{}, false
	}
	var ent Response
	if err := decodeGob(b, &ent); err != nil {
		return Response{}, false
	}
	return ent, true
}

// Match looks up key in gen. A hit refreshes the entry's recency.
func (s *Store) Match(gen, key string) (Response, bool) {
	if gen == "" || !s.HasGeneration(gen) {
		return Response{}, false
	}
	fk := fullKey(gen, key)
	if ent, ok := s.ram.Get(fk); ok {
		s.touch(gen, key)
		return ent, true
	}
	ent, ok := s.diskPeek(fk)
	if !ok {
		return Response{}, false
	}
	s.ram.Put(fk, ent)
	s.touch(gen, key)
	return ent, true
}

func (s *Store) touch(gen, key string) {
	select {
	case s.ops <- storeOp{kind: opTouch, gen: gen, key: key}:
	default:
		// recency is advisory; never block a read on a full writer queue
	}
}

// PutAsync schedules a write and returns immediately. Failures are logged, and
// the write is dropped when the writer is backed up. It reports whether the
// write was queued.
func (s *Store) PutAsync(gen, key string, ent Response) bool {
	e := ent
	select {
	case s.ops <- storeOp{kind: opPut, gen: gen, key: key, ent: &e}:
		return true
	default:
		s.failLog.Printf("store: writer busy, dropping put %s %q", gen, key)
		return false
	}
}

// Put writes synchronously.
func (s *Store) Put(gen, key string, ent Response) error {
	e := ent
	done := make(chan error, 1)
	s.ops <- storeOp{kind: opPut, gen: gen, key: key, ent: &e, done: done}
	return <-done
}

// Sync waits until every previously queued write has been applied.
func (s *Store) Sync() {
	done := make(chan error, 1)
	s.ops <- storeOp{kind: opBarrier, done: done}
	<-done
}

// Keys lists the request keys stored in gen.
func (s *Store) Keys(gen string) []string {
	prefix := gen + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for fk := range s.index {
		if strings.HasPrefix(fk, prefix) {
			out = append(out, strings.TrimPrefix(fk, prefix))
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

func (s *Store) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.ops {
		var err error
		switch op.kind {
		case opPut:
			err = s.applyPut(op.gen, op.key, op.ent)
			if err != nil && op.done == nil {
				s.failLog.Printf("store: put %s %q: %v", op.gen, op.key, err)
			}
		case opTouch:
			s.applyTouch(op.gen, op.key)
		case opDropGeneration:
			err = s.applyDropGeneration(op.gen)
		case opBarrier:
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (s *Store) applyPut(gen, key string, ent *Response) error {
	if !s.HasGeneration(gen) {
		return fmt.Errorf("%w: %s", ErrUnknownGeneration, gen)
	}
	b, err := encodeGob(*ent)
	if err != nil {
		return err
	}
	fk := fullKey(gen, key)
	size := int64(len(b))
	meta := diskMeta{Size: size, LastAccess: time.Now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+fk), b)
	batch.Put([]byte(metaPrefix+fk), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.index[fk]; ok {
		s.totalSize -= old.Size
	}
	s.index[fk] = meta
	s.totalSize += size
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	s.ram.Put(fk, *ent)
	if over {
		s.evictSome()
	}
	return nil
}

func (s *Store) applyTouch(gen, key string) {
	fk := fullKey(gen, key)
	s.mu.Lock()
	meta, ok := s.index[fk]
	if ok {
		meta.LastAccess = time.Now().UnixNano()
		s.index[fk] = meta
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(meta)
	_ = s.db.Put([]byte(metaPrefix+fk), mb, nil)
}

func (s *Store) applyDropGeneration(gen string) error {
	batch := new(leveldb.Batch)
	for _, p := range []string{entryPrefix, metaPrefix} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+gen+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return fmt.Errorf("scan generation %s: %w", gen, err)
		}
	}
	batch.Delete([]byte(genPrefix + gen))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("drop generation %s: %w", gen, err)
	}

	prefix := gen + "\x00"
	s.mu.Lock()
	delete(s.gens, gen)
	for fk, meta := range s.index {
		if strings.HasPrefix(fk, prefix) {
			s.totalSize -= meta.Size
			delete(s.index, fk)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return nil
}

func (s *Store) applyDelete(fk string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + fk))
	batch.Delete([]byte(metaPrefix + fk))
	if err := s.db.Write(batch, nil); err != nil {
		s.failLog.Printf("store: evict %q: %v", fk, err)
		return
	}

	s.mu.Lock()
	if meta, ok := s.index[fk]; ok {
		s.totalSize -= meta.Size
		delete(s.index, fk)
	}
	s.mu.Unlock()
	s.ram.Delete(fk)
}

// evictSome drops the least recently accessed 10% of entries, and more if the
// store is still over budget afterwards.
func (s *Store) evictSome() {
	type item struct {
		fk string
		m  diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		items = append(items, item{k, m})
	}
	s.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < len(items); i++ {
		if i >= n && s.TotalSize() <= s.maxBytes {
			break
		}
		gen, key := splitFullKey(items[i].fk)
		s.failLog.Printf("store: over disk budget, evicting %s %q", gen, key)
		s.applyDelete(items[i].fk)
	}
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  Response
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Peek(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	return it.ent, true
}

func (c *ramCache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.deleteLocked(k)
		}
	}
}

func (c *ramCache) deleteLocked(key string) {
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// Put stores ent unless it alone exceeds the RAM budget; the disk copy is
// authoritative either way.
func (c *ramCache) Put(key string, ent Response) {
	sz := int64(len(ent.Body))
	for k, vs := range ent.Header {
		sz += int64(len(k))
		for _, v := range vs {
			sz += int64(len(v))
		}
	}
	if c.maxBytes <= 0 || sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.total+sz > c.maxBytes && c.tail != nil {
		c.deleteLocked(c.tail.key)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
