// Package cache implements the keyed response cache: TTL-bounded entries,
// an LRU byte budget, and request coalescing so concurrent misses for one
// key trigger a single upstream fetch.
package cache

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"

	"cdn-proxy-go/internal/metrics"
)

// Config holds store-wide settings.
type Config struct {
	MaxBytes       int64
	SweepInterval  time.Duration
	StaleRetention time.Duration // how long expired entries stay reachable for stale-if-error
}

// Entry is a cached upstream response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Size       int64
	StoredAt   time.Time
	TTL        time.Duration
}

// FreshAt reports whether the entry is still within its TTL at t.
func (e *Entry) FreshAt(t time.Time) bool {
	return t.Before(e.StoredAt.Add(e.TTL))
}

// Claim represents ownership of an in-flight fill for one key. The owner
// must resolve it with exactly one Populate or Abandon call; every
// concurrent caller for the same key waits on it.
type Claim struct {
	key    string
	done   chan struct{}
	val    *Entry
	err    error
	stored bool
}

// Wait blocks until the claim owner resolves the fill, or ctx is done.
// All waiters receive the owner's outcome.
func (c *Claim) Wait(ctx context.Context) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.val, c.err
	}
}

// Stored reports whether the resolved value was written to the store, or
// handed over as a one-shot uncacheable response. Valid only after Wait
// has returned.
func (c *Claim) Stored() bool { return c.stored }

// Outcome is the result of a Lookup. Exactly one field is set.
type Outcome struct {
	Entry   *Entry // hit
	Claim   *Claim // miss; the caller owns the fill
	Pending *Claim // miss; another caller owns the fill
}

type item struct {
	key   string
	val   *Entry // nil until first successful fill
	claim *Claim // non-nil while a fill is in flight
	elem  *list.Element
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Store owns all cache entries. All state transitions happen under mu so
// that claim handoff and LRU accounting are atomic per key.
type Store struct {
	cfg Config
	m   *metrics.Metrics // optional

	mu    sync.Mutex
	items map[string]*item
	lru   *list.List // front = most recently used; READY entries only
	bytes int64
	stats Stats

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// New creates a Store and starts its background sweep. The metrics
// parameter is optional; pass nil to disable cache metrics.
func New(cfg Config, m *metrics.Metrics) *Store {
	s := &Store{
		cfg:   cfg,
		m:     m,
		items: make(map[string]*item),
		lru:   list.New(),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweeper()
	}
	return s
}

// Lookup resolves key to a fresh entry, a claim owned by the caller, or a
// pending claim owned by an earlier caller. A stale entry counts as a miss
// but is retained so stale-if-error can still reach it.
func (s *Store) Lookup(key string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it, ok := s.items[key]
	if ok {
		if it.claim != nil {
			return Outcome{Pending: it.claim}
		}
		if it.val != nil && it.val.FreshAt(now) {
			s.lru.MoveToFront(it.elem)
			s.stats.Hits++
			if s.m != nil {
				s.m.CacheHits.Inc()
			}
			return Outcome{Entry: it.val}
		}
	} else {
		it = &item{key: key}
		s.items[key] = it
	}

	it.claim = &Claim{key: key, done: make(chan struct{})}
	s.stats.Misses++
	if s.m != nil {
		s.m.CacheMisses.Inc()
	}
	return Outcome{Claim: it.claim}
}

// Populate resolves a claim with a fetched entry, storing it and waking
// all waiters.
func (s *Store) Populate(c *Claim, e *Entry) {
	e.Size = int64(len(e.Body))
	e.StoredAt = s.now()

	s.mu.Lock()
	it := s.items[c.key]
	if it != nil && it.claim == c {
		if it.val != nil {
			s.bytes -= it.val.Size
			s.lru.Remove(it.elem)
		}
		it.val = e
		it.claim = nil
		it.elem = s.lru.PushFront(it)
		s.bytes += e.Size
		s.evictLocked()
		if s.m != nil {
			s.m.CacheBytes.Set(float64(s.bytes))
		}
	}
	s.mu.Unlock()

	c.val = e
	c.stored = true
	close(c.done)
}

// Bypass resolves a claim with a response that must not be stored: the
// waiters all receive e, but the store retains nothing for the key. Any
// stale value stays in place for stale-if-error.
func (s *Store) Bypass(c *Claim, e *Entry) {
	s.mu.Lock()
	it := s.items[c.key]
	if it != nil && it.claim == c {
		it.claim = nil
		if it.val == nil {
			delete(s.items, c.key)
		}
	}
	s.mu.Unlock()

	c.val = e
	close(c.done)
}

// Abandon resolves a claim without storing anything. Waiters receive err
// (which may be nil for uncacheable responses). The stale value, if any,
// stays in place for stale-if-error.
func (s *Store) Abandon(c *Claim, err error) {
	s.mu.Lock()
	it := s.items[c.key]
	if it != nil && it.claim == c {
		it.claim = nil
		if it.val == nil {
			delete(s.items, c.key)
		}
	}
	s.mu.Unlock()

	c.err = err
	close(c.done)
}

// Stale returns an expired entry for key if it is still within grace of
// its expiry, for stale-if-error serving.
func (s *Store) Stale(key string, grace time.Duration) *Entry {
	if grace <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.val == nil {
		return nil
	}
	if s.now().Before(it.val.StoredAt.Add(it.val.TTL + grace)) {
		return it.val
	}
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = len(s.items)
	st.Bytes = s.bytes
	st.MaxBytes = s.cfg.MaxBytes
	return st
}

// Close stops the background sweep.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

// evictLocked drops least-recently-used entries until under the byte budget.
func (s *Store) evictLocked() {
	for s.cfg.MaxBytes > 0 && s.bytes > s.cfg.MaxBytes {
		back := s.lru.Back()
		if back == nil {
			return
		}
		s.removeLocked(back.Value.(*item))
		s.stats.Evictions++
		if s.m != nil {
			s.m.CacheEvictions.Inc()
		}
	}
}

func (s *Store) removeLocked(it *item) {
	s.bytes -= it.val.Size
	s.lru.Remove(it.elem)
	if it.claim == nil {
		delete(s.items, it.key)
	} else {
		// A fill is in flight; keep the item so the claim can resolve.
		it.val = nil
		it.elem = nil
	}
}

func (s *Store) sweeper() {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.removeExpired()
		}
	}
}

// removeExpired drops entries expired beyond the stale retention window.
func (s *Store) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, it := range s.items {
		if it.val == nil {
			continue
		}
		if now.After(it.val.StoredAt.Add(it.val.TTL + s.cfg.StaleRetention)) {
			s.removeLocked(it)
		}
	}
	if s.m != nil {
		s.m.CacheBytes.Set(float64(s.bytes))
	}
}
