package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/pkg/aio"
	"branchdb/pkg/index"
	"branchdb/pkg/perf"
	"branchdb/pkg/types"
)

const pageSize = 16

// memSource serves fixed-size pages from memory and counts reads.
type memSource struct {
	id    types.BranchID
	data  []byte
	reads atomic.Int64
	gate  chan struct{}
}

func newMemSource(id types.BranchID, pages int) *memSource {
	var buf bytes.Buffer
	for i := range pages {
		fmt.Fprintf(&buf, "%-*s", pageSize, fmt.Sprintf("b%d-page-%d", id, i))
	}
	return &memSource{id: id, data: buf.Bytes()}
}

func (s *memSource) ID() types.BranchID { return s.id }

func (s *memSource) ReadAt(p []byte, off int64) (int, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.reads.Add(1)
	return bytes.NewReader(s.data).ReadAt(p, off)
}

func (s *memSource) PageRequest(h index.Handle) aio.Request {
	return aio.Request{File: s, Offset: int64(h.Offset), Length: int(h.Length)}
}

func handle(page uint32) index.Handle {
	return index.Handle{PageID: page, Offset: uint64(page) * pageSize, Length: pageSize, RawLength: pageSize}
}

func newCache(t *testing.T, capacity int, pc *perf.Context) *Cache {
	t.Helper()
	q := aio.NewQueue(2, 16, pc)
	t.Cleanup(q.Close)
	return New(capacity, q, pc)
}

func read(t *testing.T, c *Cache, src PageSource, page uint32) *Page {
	t.Helper()
	p, err := c.ReadPage(context.Background(), src, handle(page))
	require.NoError(t, err)
	return p
}

func TestCache_MissThenHit(t *testing.T) {
	pc := perf.New(perf.Enabled)
	c := newCache(t, 4, pc)
	src := newMemSource(1, 4)

	p := read(t, c, src, 2)
	assert.Equal(t, src.data[2*pageSize:3*pageSize], p.Data())
	p.Release()

	p = read(t, c, src, 2)
	p.Release()

	assert.Equal(t, int64(1), src.reads.Load())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Pinned)

	snap := pc.Snapshot()
	assert.NotZero(t, snap.CacheLookupNanos)
	assert.NotZero(t, snap.IOPollNanos)
	assert.NotZero(t, snap.IOReadNanos)
}

func TestCache_ConcurrentReadersShareOneIO(t *testing.T) {
	c := newCache(t, 4, nil)
	src := newMemSource(1, 2)
	src.gate = make(chan struct{})

	const readers = 16
	var wg sync.WaitGroup
	pages := make([]*Page, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.ReadPage(context.Background(), src, handle(1))
			if assert.NoError(t, err) {
				pages[i] = p
			}
		}()
	}

	require.Eventually(t, func() bool { return c.Stats().Misses+c.Stats().Hits == readers }, timeout, tick)
	close(src.gate)
	wg.Wait()

	want := src.data[pageSize : 2*pageSize]
	for _, p := range pages {
		require.NotNil(t, p)
		assert.Equal(t, want, p.Data())
		p.Release()
	}
	assert.Equal(t, int64(1), src.reads.Load(), "in-flight reads must be shared")
}

func TestCache_PinnedPagesAreNotEvicted(t *testing.T) {
	c := newCache(t, 2, nil)
	src := newMemSource(1, 4)

	p0 := read(t, c, src, 0)
	p1 := read(t, c, src, 1)
	assert.Equal(t, 2, c.Stats().Pinned)

	// the cache is full of pinned pages: the read bypasses it
	p2 := read(t, c, src, 2)
	assert.Equal(t, src.data[2*pageSize:3*pageSize], p2.Data())
	p2.Release()
	assert.Equal(t, uint64(1), c.Stats().Bypassed)
	assert.True(t, c.Contains(1, 0))
	assert.True(t, c.Contains(1, 1))
	assert.False(t, c.Contains(1, 2))

	// pinned data stays intact
	assert.Equal(t, src.data[0:pageSize], p0.Data())

	p0.Release()
	p0.Release() // idempotent
	p3 := read(t, c, src, 3)
	defer p3.Release()
	assert.False(t, c.Contains(1, 0), "the unpinned page is the eviction victim")
	assert.True(t, c.Contains(1, 1))
	assert.True(t, c.Contains(1, 3))
	p1.Release()
}

func TestCache_LRUOrder(t *testing.T) {
	c := newCache(t, 2, nil)
	src := newMemSource(1, 3)

	read(t, c, src, 0).Release()
	read(t, c, src, 1).Release()
	read(t, c, src, 0).Release() // page 0 becomes most recent
	read(t, c, src, 2).Release()

	assert.True(t, c.Contains(1, 0))
	assert.False(t, c.Contains(1, 1))
	assert.True(t, c.Contains(1, 2))
}

func TestCache_WritePageAndEvictBranch(t *testing.T) {
	c := newCache(t, 8, nil)
	a, b := newMemSource(1, 2), newMemSource(2, 2)

	c.WritePage(1, 0, a.data[:pageSize])
	c.WritePage(2, 0, b.data[:pageSize])

	p := read(t, c, a, 0)
	assert.Equal(t, a.data[:pageSize], p.Data())
	p.Release()
	assert.Zero(t, a.reads.Load(), "written pages are served without I/O")

	pinned := read(t, c, b, 0)
	c.EvictBranch(2)
	assert.False(t, c.Contains(2, 0))
	assert.True(t, c.Contains(1, 0))
	assert.Equal(t, b.data[:pageSize], pinned.Data())
	pinned.Release()
	assert.False(t, c.Contains(2, 0))
}

func TestCache_ReadErrorsAreNotCached(t *testing.T) {
	c := newCache(t, 4, nil)
	src := newMemSource(1, 1)

	_, err := c.ReadPage(context.Background(), src, handle(5))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, c.Contains(1, 5))
	assert.Zero(t, c.Stats().Entries)
}

func TestCache_AbandonedReadStillPopulates(t *testing.T) {
	c := newCache(t, 4, nil)
	src := newMemSource(1, 1)
	src.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ReadPage(ctx, src, handle(0))
	require.ErrorIs(t, err, context.Canceled)

	close(src.gate)
	require.Eventually(t, func() bool { return c.Contains(1, 0) }, timeout, tick)
	read(t, c, src, 0).Release()
	assert.Equal(t, int64(1), src.reads.Load())
}
