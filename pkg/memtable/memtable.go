package memtable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
)

var (
	ErrTooLargeEntry = fmt.Errorf("entry is too large: %w", dberrors.ErrInvalidArgument)
	ErrFull          = fmt.Errorf("too many memtables waiting for flush: %w", dberrors.ErrCapacityExceeded)
)

// View is an immutable snapshot of the memtable set.
type View struct {
	Active *Table
	// Sealed tables waiting for flush, newest first.
	Sealed []*Table
}

// Tables returns every table, newest first.
func (v *View) Tables() []*Table {
	out := make([]*Table, 0, len(v.Sealed)+1)
	out = append(out, v.Active)
	return append(out, v.Sealed...)
}

// Memtable owns the active table and the sealed tables waiting for flush.
//
// Writers hold the read side of mu from Acquire until their release func runs,
// sealing takes the write side. So a sealed table never receives a write, and
// every record in a newer table has a higher sequence than any in an older one.
type Memtable struct {
	cfg    config.MemtableConfig
	logger *slog.Logger

	mu     sync.RWMutex
	view   atomic.Pointer[View]
	nextID atomic.Uint64
	freed  chan struct{} // closed and replaced on every Release, guarded by mu
	closed bool

	flushChan chan *Table
}

func New(cfg config.MemtableConfig, logger *slog.Logger) *Memtable {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxImmTables < 1 {
		cfg.MaxImmTables = 1
	}

	mt := &Memtable{
		cfg:       cfg,
		logger:    logger.With("component", "memtable"),
		freed:     make(chan struct{}),
		flushChan: make(chan *Table, cfg.MaxImmTables),
	}
	mt.view.Store(&View{Active: NewTable(mt.nextID.Add(1))})

	return mt
}

// View returns the current snapshot. Readers must load it before the branch list.
func (mt *Memtable) View() *View {
	return mt.view.Load()
}

// Acquire returns the active table with room for an entry of size bytes and a
// release func. The caller writes into the table and must call release exactly once.
// When the active table is full it is sealed first, which may block or fail
// depending on the backpressure policy.
func (mt *Memtable) Acquire(ctx context.Context, size int) (*Table, func(), error) {
	if size > mt.cfg.FlushThresholdBytes {
		return nil, nil, ErrTooLargeEntry
	}
	return mt.acquire(ctx, size, mt.cfg.Backpressure)
}

// AcquireWait is Acquire that always blocks for room, whatever the policy, and
// accepts an oversized entry into an empty table. Recovery uses it: records
// already in the WAL cannot be rejected.
func (mt *Memtable) AcquireWait(ctx context.Context, size int) (*Table, func(), error) {
	return mt.acquire(ctx, size, config.BackpressureBlock)
}

func (mt *Memtable) acquire(ctx context.Context, size int, policy config.Backpressure) (*Table, func(), error) {
	for {
		mt.mu.RLock()
		if mt.closed {
			mt.mu.RUnlock()
			return nil, nil, dberrors.ErrClosed
		}
		active := mt.view.Load().Active
		if active.Empty() || active.Size()+int64(size) <= int64(mt.cfg.FlushThresholdBytes) {
			return active, mt.mu.RUnlock, nil
		}
		mt.mu.RUnlock()

		if err := mt.rotate(ctx, active, policy); err != nil {
			return nil, nil, err
		}
	}
}

// Rotate seals the active table if it holds anything.
func (mt *Memtable) Rotate(ctx context.Context) error {
	return mt.rotate(ctx, nil, mt.cfg.Backpressure)
}

func (mt *Memtable) rotate(ctx context.Context, full *Table, policy config.Backpressure) error {
	for {
		mt.mu.Lock()
		if mt.closed {
			mt.mu.Unlock()
			return dberrors.ErrClosed
		}
		v := mt.view.Load()
		if (full != nil && v.Active != full) || v.Active.Empty() {
			mt.mu.Unlock()
			return nil
		}
		if len(v.Sealed) < mt.cfg.MaxImmTables {
			mt.sealLocked(v)
			mt.mu.Unlock()
			return nil
		}
		wait := mt.freed
		mt.mu.Unlock()

		if policy == config.BackpressureReject {
			return ErrFull
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (mt *Memtable) sealLocked(v *View) {
	old := v.Active
	old.sealed.Store(true)

	sealed := make([]*Table, 0, len(v.Sealed)+1)
	sealed = append(sealed, old)
	sealed = append(sealed, v.Sealed...)

	mt.view.Store(&View{
		Active: NewTable(mt.nextID.Add(1)),
		Sealed: sealed,
	})

	// never blocks: the channel holds MaxImmTables and at most that many are sealed
	mt.flushChan <- old

	mt.logger.Debug("memtable sealed",
		"table", old.id,
		"keys", old.Len(),
		"bytes", old.Size(),
		"max_seq", old.MaxSeq(),
	)
}

// Release drops a flushed table from the view and wakes blocked writers.
// The table's contents must already be reachable through the branch list.
func (mt *Memtable) Release(t *Table) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	v := mt.view.Load()
	sealed := make([]*Table, 0, len(v.Sealed))
	for _, s := range v.Sealed {
		if s != t {
			sealed = append(sealed, s)
		}
	}
	mt.view.Store(&View{Active: v.Active, Sealed: sealed})

	select {
	case <-t.flushed:
	default:
		close(t.flushed)
	}
	close(mt.freed)
	mt.freed = make(chan struct{})
}

// WaitFlushed blocks until every table sealed so far has been released.
func (mt *Memtable) WaitFlushed(ctx context.Context) error {
	for _, t := range mt.View().Sealed {
		select {
		case <-t.flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// FlushChan delivers sealed tables, oldest first.
func (mt *Memtable) FlushChan() <-chan *Table {
	return mt.flushChan
}

func (mt *Memtable) Close() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.closed {
		return
	}
	mt.closed = true
	close(mt.flushChan)
	close(mt.freed)
	mt.freed = make(chan struct{})
}
