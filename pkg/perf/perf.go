// Package perf accumulates per-stage latency totals for the read and write paths.
package perf

import (
	"sync/atomic"
	"time"
)

// Stage names a timed step of the pipeline.
type Stage int

const (
	MemtableGet Stage = iota
	FilterIndexLookup
	CacheLookup
	IORead
	IOSubmit
	IOPoll
	WALWrite
	MemtableWrite

	numStages
)

var stageNames = [numStages]string{
	"memtable_get",
	"filter_index_lookup",
	"cache_lookup",
	"io_read",
	"io_submit",
	"io_poll",
	"wal_write",
	"memtable_write",
}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return "unknown"
	}
	return stageNames[s]
}

// Level toggles timing collection.
type Level int32

const (
	Disabled Level = iota
	Enabled
)

// Counters is a point-in-time copy of a Context.
type Counters struct {
	MemtableGetNanos       uint64
	FilterIndexLookupNanos uint64
	CacheLookupNanos       uint64
	IOReadNanos            uint64
	IOSubmitNanos          uint64
	IOPollNanos            uint64
	WALWriteNanos          uint64
	MemtableWriteNanos     uint64
}

// Get returns the total for a single stage.
func (c Counters) Get(s Stage) uint64 {
	switch s {
	case MemtableGet:
		return c.MemtableGetNanos
	case FilterIndexLookup:
		return c.FilterIndexLookupNanos
	case CacheLookup:
		return c.CacheLookupNanos
	case IORead:
		return c.IOReadNanos
	case IOSubmit:
		return c.IOSubmitNanos
	case IOPoll:
		return c.IOPollNanos
	case WALWrite:
		return c.WALWriteNanos
	case MemtableWrite:
		return c.MemtableWriteNanos
	default:
		return 0
	}
}

// Context holds the accumulated nanoseconds per stage.
// A nil *Context is valid and behaves as disabled.
type Context struct {
	level  atomic.Int32
	totals [numStages]atomic.Uint64
}

func New(level Level) *Context {
	c := &Context{}
	c.level.Store(int32(level))
	return c
}

var shared = New(Disabled)

// Default returns the process-wide context.
func Default() *Context {
	return shared
}

func (c *Context) Level() Level {
	if c == nil {
		return Disabled
	}
	return Level(c.level.Load())
}

func (c *Context) SetLevel(l Level) {
	c.level.Store(int32(l))
}

func (c *Context) Enabled() bool {
	return c.Level() == Enabled
}

// Record adds nanos to a stage. It is a no-op when disabled.
func (c *Context) Record(s Stage, nanos uint64) {
	if !c.Enabled() || s < 0 || s >= numStages {
		return
	}
	c.totals[s].Add(nanos)
}

func (c *Context) Snapshot() Counters {
	if c == nil {
		return Counters{}
	}
	return Counters{
		MemtableGetNanos:       c.totals[MemtableGet].Load(),
		FilterIndexLookupNanos: c.totals[FilterIndexLookup].Load(),
		CacheLookupNanos:       c.totals[CacheLookup].Load(),
		IOReadNanos:            c.totals[IORead].Load(),
		IOSubmitNanos:          c.totals[IOSubmit].Load(),
		IOPollNanos:            c.totals[IOPoll].Load(),
		WALWriteNanos:          c.totals[WALWrite].Load(),
		MemtableWriteNanos:     c.totals[MemtableWrite].Load(),
	}
}

// Reset zeroes every stage.
func (c *Context) Reset() {
	if c == nil {
		return
	}
	for i := range c.totals {
		c.totals[i].Store(0)
	}
}

// Timer measures one stage. The zero Timer is inert.
type Timer struct {
	ctx   *Context
	start time.Time
}

// Start reads the clock only when the context is enabled.
func (c *Context) Start() Timer {
	if !c.Enabled() {
		return Timer{}
	}
	return Timer{ctx: c, start: time.Now()}
}

// Stop records the elapsed time since Start under s.
func (t Timer) Stop(s Stage) {
	if t.ctx == nil {
		return
	}
	t.ctx.Record(s, uint64(time.Since(t.start)))
}
