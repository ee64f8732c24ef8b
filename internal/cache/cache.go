// Package cache holds tile records in a bounded in-memory map backed
// by an unbounded on-disk store. It owns every tile state transition;
// no other component mutates records.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilepane/internal/geo"
	"tilepane/internal/metrics"
)

var errNoFetcher = errors.New("no fetcher configured")

// Fetcher is the download manager seen from the cache: a fire-and-forget
// hand-off of a key that needs network fetching.
type Fetcher interface {
	Enqueue(key geo.TileKey)
}

type entry struct {
	state      State
	data       []byte
	lastAccess time.Time
	err        error
	retryAfter time.Time
	failures   int
	elem       *list.Element // non-nil while the entry is Ready and LRU-tracked
}

// Cache is the two-tier tile cache. All methods are safe for concurrent
// use; Get and Request never block on I/O.
type Cache struct {
	mu       sync.Mutex
	entries  map[geo.TileKey]*entry
	lru      *list.List // of geo.TileKey, front = most recently used
	maxTiles int
	needed   map[geo.TileKey]struct{}
	onEvict  func(geo.TileKey)

	disk    *DiskStore // may be nil
	fetcher Fetcher

	pending sync.WaitGroup // background disk probes and persists
	logger  *zap.Logger
}

// New creates a cache bounded to maxTiles in-memory entries. disk may
// be nil to run memory-only.
func New(maxTiles int, disk *DiskStore, logger *zap.Logger) *Cache {
	return &Cache{
		entries:  make(map[geo.TileKey]*entry),
		lru:      list.New(),
		maxTiles: maxTiles,
		needed:   make(map[geo.TileKey]struct{}),
		disk:     disk,
		logger:   logger,
	}
}

// SetFetcher wires the download manager. Must be called before the
// first Request; kept out of New because the manager needs the cache
// as its write target.
func (c *Cache) SetFetcher(f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetcher = f
}

// SetEvictionHook registers a callback invoked (outside the cache lock)
// for every evicted key, so the texture registry can drop the backing
// handle.
func (c *Cache) SetEvictionHook(fn func(geo.TileKey)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the current record state for a key without triggering any
// I/O. Ready hits refresh the entry's recency.
func (c *Cache) Get(key geo.TileKey) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return Record{State: StateMissing}
	}
	if e.state == StateReady {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		metrics.CacheHits.Inc()
	}
	return Record{
		State:      e.state,
		Data:       e.data,
		LastAccess: e.lastAccess,
		Err:        e.err,
		RetryAfter: e.retryAfter,
	}
}

// Request asks for a tile to be made Ready. It is idempotent: a key
// already Pending or Ready is a no-op, and a Failed key is retried only
// after its backoff has elapsed. The miss path (disk probe, then
// network) runs in the background; Request itself never blocks.
func (c *Cache) Request(key geo.TileKey) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{state: StateMissing}
		c.entries[key] = e
	}
	switch e.state {
	case StatePending, StateReady:
		c.mu.Unlock()
		return
	case StateFailed:
		if time.Now().Before(e.retryAfter) {
			c.mu.Unlock()
			return
		}
	}
	e.state = StatePending
	c.mu.Unlock()

	c.pending.Add(1)
	go c.fill(key)
}

// fill resolves a Pending key from disk, or falls through to the
// download manager.
func (c *Cache) fill(key geo.TileKey) {
	defer c.pending.Done()

	if c.disk != nil {
		data, ok, err := c.disk.Read(key)
		if err != nil {
			c.logger.Warn("disk read failed", zap.Stringer("tile", key), zap.Error(err))
		}
		if ok {
			metrics.DiskHits.Inc()
			c.store(key, data, false)
			return
		}
	}

	c.mu.Lock()
	f := c.fetcher
	c.mu.Unlock()
	if f == nil {
		c.Fail(key, errNoFetcher)
		return
	}
	f.Enqueue(key)
}

// Put transitions a key to Ready with the fetched bytes and persists
// them to disk in the background. Called by the download manager on
// success.
func (c *Cache) Put(key geo.TileKey, data []byte) {
	c.store(key, data, true)
}

func (c *Cache) store(key geo.TileKey, data []byte, persist bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.state = StateReady
	e.data = data
	e.err = nil
	e.failures = 0
	e.lastAccess = time.Now()
	if e.elem == nil {
		e.elem = c.lru.PushFront(key)
	} else {
		c.lru.MoveToFront(e.elem)
	}
	evicted := c.evictLocked()
	onEvict := c.onEvict
	c.mu.Unlock()

	metrics.CacheStores.Inc()
	if onEvict != nil {
		for _, k := range evicted {
			onEvict(k)
		}
	}

	if persist && c.disk != nil {
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			// Persistence failure is non-fatal: the tile stays
			// servable from memory for this session.
			if err := c.disk.Write(key, data); err != nil {
				c.logger.Warn("tile persist failed", zap.Stringer("tile", key), zap.Error(err))
			}
		}()
	}
}

// Fail transitions a key to Failed and arms its retry backoff. Called
// by the download manager on any fetch error.
func (c *Cache) Fail(key geo.TileKey, cause error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.failures++
	e.state = StateFailed
	e.err = cause
	e.retryAfter = time.Now().Add(backoffDelay(e.failures))
	e.data = nil
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	retryAfter := e.retryAfter
	c.mu.Unlock()

	c.logger.Warn("tile failed",
		zap.Stringer("tile", key),
		zap.Time("retry_after", retryAfter),
		zap.Error(cause))
}

// SetNeeded replaces the current needed set. Entries outside it are
// preferred victims under memory pressure, and Failed entries whose
// backoff already expired are pruned once they leave the set.
func (c *Cache) SetNeeded(keys []geo.TileKey) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.needed = make(map[geo.TileKey]struct{}, len(keys))
	for _, k := range keys {
		c.needed[k] = struct{}{}
	}
	for k, e := range c.entries {
		if _, ok := c.needed[k]; ok {
			continue
		}
		if e.state == StateFailed && now.After(e.retryAfter) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of Ready tiles held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Flush waits for in-flight background disk work to finish. Intended
// for shutdown and tests.
func (c *Cache) Flush() {
	c.pending.Wait()
}

// evictLocked enforces the memory bound: least-recently-used first,
// preferring entries outside the current needed set.
func (c *Cache) evictLocked() []geo.TileKey {
	var evicted []geo.TileKey
	for c.lru.Len() > c.maxTiles {
		victim := c.lru.Back()
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			if _, ok := c.needed[el.Value.(geo.TileKey)]; !ok {
				victim = el
				break
			}
		}
		if victim == nil {
			break
		}
		k := victim.Value.(geo.TileKey)
		c.lru.Remove(victim)
		delete(c.entries, k)
		evicted = append(evicted, k)
		metrics.CacheEvictions.Inc()
	}
	return evicted
}
