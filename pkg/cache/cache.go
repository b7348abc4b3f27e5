// Package cache keeps decoded branch pages in memory.
//
// A page read by several lookups at once is shared; each reader pins it until
// Release. Only unpinned pages sit on the LRU list, so eviction never reclaims
// a page somebody is still reading. Misses go through the async I/O queue; when
// the cache is full of pinned pages, or the queue is full, the read degrades to
// a synchronous read that bypasses the cache.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"branchdb/pkg/aio"
	"branchdb/pkg/index"
	"branchdb/pkg/perf"
	"branchdb/pkg/types"
)

// Key identifies a page across branches.
type Key struct {
	Branch types.BranchID
	Page   uint32
}

// PageSource is a branch the cache can read pages from.
type PageSource interface {
	ID() types.BranchID
	// PageRequest builds the read for a page. Its Decode verifies and decompresses.
	PageRequest(h index.Handle) aio.Request
}

type entry struct {
	key  Key
	data []byte
	pins int
	elem *list.Element // set while unpinned
}

// Stats reports cache activity.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Bypassed uint64
	Entries  int
	Pinned   int
}

// Cache is a bounded page cache with pinning.
type Cache struct {
	capacity int
	queue    *aio.Queue
	perf     *perf.Context

	mu       sync.Mutex
	entries  map[Key]*entry
	lru      *list.List // unpinned entries, front is most recently used
	inflight map[Key]*aio.Handle

	hits     atomic.Uint64
	misses   atomic.Uint64
	bypassed atomic.Uint64
}

// New creates a cache holding at most capacity pages.
func New(capacity int, queue *aio.Queue, pc *perf.Context) *Cache {
	return &Cache{
		capacity: max(capacity, 1),
		queue:    queue,
		perf:     pc,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
		inflight: make(map[Key]*aio.Handle),
	}
}

// Page is a pinned view of page data. The data must not be modified.
type Page struct {
	c        *Cache
	e        *entry
	data     []byte
	released atomic.Bool
}

func (p *Page) Data() []byte {
	return p.data
}

// Release unpins the page. It is safe to call more than once.
func (p *Page) Release() {
	if p.e == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.c.unpin(p.e)
}

// ReadPage returns page h of src, reading it through the I/O queue on a miss.
func (c *Cache) ReadPage(ctx context.Context, src PageSource, h index.Handle) (*Page, error) {
	key := Key{Branch: src.ID(), Page: h.PageID}

	timer := c.perf.Start()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.pinLocked(e)
		c.mu.Unlock()
		timer.Stop(perf.CacheLookup)
		c.hits.Add(1)
		return &Page{c: c, e: e, data: e.data}, nil
	}
	c.misses.Add(1)

	handle, ok := c.inflight[key]
	if !ok {
		if len(c.entries) >= c.capacity && c.lru.Len() == 0 {
			c.mu.Unlock()
			timer.Stop(perf.CacheLookup)
			return c.readBypass(src, h)
		}

		req := src.PageRequest(h)
		req.OnComplete = func(data []byte, err error) {
			c.complete(key, data, err)
		}
		var err error
		handle, err = c.queue.Submit(req)
		if err != nil {
			c.mu.Unlock()
			timer.Stop(perf.CacheLookup)
			if errors.Is(err, aio.ErrQueueFull) {
				return c.readBypass(src, h)
			}
			return nil, err
		}
		c.inflight[key] = handle
	}
	c.mu.Unlock()
	timer.Stop(perf.CacheLookup)

	poll := c.perf.Start()
	data, err := handle.Wait(ctx)
	poll.Stop(perf.IOPoll)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.pinLocked(e)
		c.mu.Unlock()
		return &Page{c: c, e: e, data: e.data}, nil
	}
	c.mu.Unlock()

	// completed but not cached, or already evicted again
	c.bypassed.Add(1)
	return &Page{data: data}, nil
}

func (c *Cache) readBypass(src PageSource, h index.Handle) (*Page, error) {
	c.bypassed.Add(1)
	data, err := c.queue.ReadSync(src.PageRequest(h))
	if err != nil {
		return nil, err
	}
	return &Page{data: data}, nil
}

// complete runs on the I/O worker when a submitted read finishes.
func (c *Cache) complete(key Key, data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, key)
	if err != nil {
		return
	}
	c.insertLocked(key, data)
}

// WritePage installs a freshly written page so the first reads after a flush
// or compaction hit the cache.
func (c *Cache) WritePage(branch types.BranchID, page uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.insertLocked(Key{Branch: branch, Page: page}, data)
}

func (c *Cache) insertLocked(key Key, data []byte) {
	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.entries) >= c.capacity {
		if !c.evictLocked() {
			return
		}
	}

	e := &entry{key: key, data: data}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

// evictLocked drops the least recently used unpinned page.
func (c *Cache) evictLocked() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	e := c.lru.Remove(back).(*entry)
	e.elem = nil
	delete(c.entries, e.key)
	return true
}

func (c *Cache) pinLocked(e *entry) {
	if e.pins == 0 && e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.pins++
}

func (c *Cache) unpin(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.pins--
	if e.pins > 0 {
		return
	}
	if c.entries[e.key] != e {
		// evicted by EvictBranch while pinned
		return
	}
	e.elem = c.lru.PushFront(e)
}

// EvictBranch drops every page of a deleted branch. Pinned pages stay valid
// for their current readers and are not cached again on release.
func (c *Cache) EvictBranch(id types.BranchID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key.Branch != id {
			continue
		}
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
		delete(c.entries, key)
	}
}

// Contains reports whether a page is cached, without touching recency.
func (c *Cache) Contains(branch types.BranchID, page uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[Key{Branch: branch, Page: page}]
	return ok
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, unpinned := len(c.entries), c.lru.Len()
	c.mu.Unlock()

	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Bypassed: c.bypassed.Load(),
		Entries:  entries,
		Pinned:   entries - unpinned,
	}
}
