// Package store ties the engine together: writes go to the WAL and then the
// active memtable; reads consult the memtables newest first and then the
// branches. Sealed memtables are flushed into branches in the background and
// branches are compacted when they pile up.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"branchdb/internal/vfs"
	"branchdb/pkg/aio"
	"branchdb/pkg/branch"
	"branchdb/pkg/cache"
	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/iterator"
	"branchdb/pkg/listener"
	"branchdb/pkg/memtable"
	"branchdb/pkg/perf"
	"branchdb/pkg/slice"
	"branchdb/pkg/types"
	"branchdb/pkg/wal"
)

const (
	walDir         = "wal"
	compactionPoll = 10 * time.Millisecond
)

type Store struct {
	cfg    config.DB
	logger *slog.Logger
	perf   *perf.Context
	fs     vfs.FileSystem

	wal      *wal.WAL
	mt       *memtable.Memtable
	branches *branch.Manager
	cache    *cache.Cache
	queue    *aio.Queue

	flusher   *listener.Listener[*memtable.Table]
	compactor *listener.Listener[struct{}]
	compactCh chan struct{}

	// replaying suppresses WAL truncation while Open replays the log.
	replaying atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	bgErr atomic.Pointer[error]
}

// Open opens or creates the database at cfg.DB.RootPath, recovering the
// memtable from the WAL.
func Open(cfg config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	o := options{logger: slog.Default(), perf: perf.Default(), fs: vfs.Default}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Perf.Enabled {
		o.perf.SetLevel(perf.Enabled)
	}

	root := filepath.Clean(cfg.DB.RootPath)
	if err := o.fs.MkdirAll(root, 0o750); err != nil {
		return nil, dberrors.IOError("create data directory", err)
	}

	s := &Store{
		cfg:       cfg.DB,
		logger:    o.logger,
		perf:      o.perf,
		fs:        o.fs,
		compactCh: make(chan struct{}, 1),
	}
	s.queue = aio.NewQueue(cfg.DB.IO.Workers, cfg.DB.IO.QueueDepth, o.perf)
	s.cache = cache.New(cfg.DB.Cache.Capacity, s.queue, o.perf)

	ctx := context.Background()
	var err error
	s.branches, err = branch.OpenManager(ctx, root, branch.Options{
		FS:         o.fs,
		Logger:     o.logger,
		Cache:      s.cache,
		Perf:       o.perf,
		Branch:     cfg.DB.Branch,
		Compaction: cfg.DB.Compaction,
	})
	if err != nil {
		s.queue.Close()
		return nil, err
	}

	flushed := s.branches.FlushedSeq()
	walOpts := wal.Options{
		FS:          o.fs,
		Logger:      o.logger,
		SegmentSize: cfg.DB.WAL.SegmentSize,
		StartSeq:    flushed,
	}
	if cfg.DB.WAL.Durability == config.DurabilityRelaxed {
		walOpts.SyncInterval = cfg.DB.WAL.SyncInterval
	}
	s.wal, err = wal.Open(filepath.Join(root, walDir), walOpts)
	if err != nil {
		s.closeComponents()
		return nil, err
	}

	s.mt = memtable.New(cfg.DB.Memtable, o.logger)

	// the flusher runs during replay so that replaying a large log can seal tables
	s.flusher = listener.New(s.mt.FlushChan(), s.flush,
		listener.WithErrorHandler[*memtable.Table](s.backgroundError("flush")))
	s.flusher.Start(ctx)

	replayed, err := s.replay(ctx, flushed)
	if err != nil {
		s.mt.Close()
		s.flusher.Stop()
		s.closeComponents()
		return nil, err
	}

	s.compactor = listener.New(s.compactCh, s.compact,
		listener.WithErrorHandler[struct{}](s.backgroundError("compaction")))
	s.compactor.Start(ctx)
	s.scheduleCompaction()

	s.logger.Info("store opened",
		"path", root,
		"flushed_seq", flushed,
		"last_seq", s.wal.LastSeq(),
		"replayed", replayed,
	)
	return s, nil
}

func (s *Store) replay(ctx context.Context, flushed types.SeqN) (int, error) {
	s.replaying.Store(true)
	defer s.replaying.Store(false)

	var n int
	err := s.wal.Replay(flushed+1, func(rec types.Record) error {
		t, release, err := s.mt.AcquireWait(ctx, rec.Size())
		if err != nil {
			return err
		}
		defer release()

		t.Put(rec)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("replay WAL: %w", err)
	}

	// tables flushed during replay skipped truncation
	if err := s.wal.Truncate(s.branches.FlushedSeq()); err != nil {
		s.logger.Warn("failed to truncate WAL after replay", "error", err)
	}
	return n, nil
}

func (s *Store) backgroundError(job string) func(error) {
	return func(err error) {
		s.bgErr.Store(&err)
		s.logger.Error("background job failed", "job", job, "error", err)
	}
}

// Put stores value under key. Both are copied before Put returns.
func (s *Store) Put(ctx context.Context, key, value slice.Slice) error {
	if value.IsInvalid() {
		return fmt.Errorf("invalid value: %w", dberrors.ErrInvalidArgument)
	}
	return s.write(ctx, types.KindPut, key, value)
}

// Delete writes a tombstone for key.
func (s *Store) Delete(ctx context.Context, key slice.Slice) error {
	return s.write(ctx, types.KindDelete, key, slice.Null)
}

func (s *Store) PutString(ctx context.Context, key, value string) error {
	return s.Put(ctx, slice.FromString(key), slice.FromString(value))
}

func (s *Store) DeleteString(ctx context.Context, key string) error {
	return s.Delete(ctx, slice.FromString(key))
}

func checkKey(key slice.Slice) error {
	if !key.IsValid() {
		return fmt.Errorf("null or invalid key: %w", dberrors.ErrInvalidArgument)
	}
	return nil
}

// write appends to the WAL and inserts into the active memtable while holding
// the memtable's writer side, so the table cannot be sealed in between.
// Write failures are returned as is and never retried.
func (s *Store) write(ctx context.Context, kind types.Kind, key, value slice.Slice) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}

	rec := types.Record{Key: key.Clone(), Kind: kind}
	if kind == types.KindPut {
		rec.Value = value.Clone()
		if rec.Value == nil {
			rec.Value = []byte{}
		}
	}

	t, release, err := s.mt.Acquire(ctx, rec.Size())
	if err != nil {
		return err
	}
	defer release()

	timer := s.perf.Start()
	rec.Seq, err = s.wal.Append(kind, rec.Key, rec.Value)
	if err == nil && s.cfg.WAL.Durability == config.DurabilitySync {
		err = s.wal.FlushDurable(rec.Seq)
	}
	timer.Stop(perf.WALWrite)
	if err != nil {
		return err
	}

	timer = s.perf.Start()
	t.Put(rec)
	timer.Stop(perf.MemtableWrite)

	return nil
}

// Get returns the newest value of key, or ErrNotFound when the key is absent
// or deleted. The returned slice is owned by the caller.
func (s *Store) Get(ctx context.Context, key slice.Slice) ([]byte, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	k := key.Data()

	// the memtable view is loaded before the branch list: a flush publishes
	// its branch before releasing the table
	view := s.mt.View()

	timer := s.perf.Start()
	for _, t := range view.Tables() {
		if rec, ok := t.Get(k); ok {
			timer.Stop(perf.MemtableGet)
			v, err := liveValue(rec)
			return bytes.Clone(v), err
		}
	}
	timer.Stop(perf.MemtableGet)

	rec, ok, err := s.branches.Get(ctx, k)
	for retry := 0; err != nil && dberrors.IsRetryable(err) && retry < s.cfg.IO.ReadRetries; retry++ {
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug("retrying read", "error", err)
		rec, ok, err = s.branches.Get(ctx, k)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	// branch records already own their bytes
	return liveValue(rec)
}

// liveValue maps a tombstone to ErrNotFound.
func liveValue(rec types.Record) ([]byte, error) {
	if rec.IsTombstone() {
		return nil, dberrors.ErrNotFound
	}
	if rec.Value == nil {
		return []byte{}, nil
	}
	return rec.Value, nil
}

func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.Get(ctx, slice.FromString(key))
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return string(v), true, nil
}

// Scan calls fn for every live key in [lo, hi) in ascending order. A Null lo
// starts at the first key, a Null hi runs to the end. The slices passed to fn
// are only valid during the call.
func (s *Store) Scan(ctx context.Context, lo, hi slice.Slice, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if lo.IsInvalid() || hi.IsInvalid() {
		return fmt.Errorf("invalid scan bound: %w", dberrors.ErrInvalidArgument)
	}
	var upper []byte
	if !hi.IsNull() {
		upper = hi.Data()
	}

	view := s.mt.View()
	ver := s.branches.Acquire()
	if ver == nil {
		return dberrors.ErrClosed
	}
	defer ver.Unref()

	var its []iterator.Iterator
	for _, t := range view.Tables() {
		its = append(its, iterator.FromRange(func(from types.Key) iter.Seq[types.Record] {
			return t.Range(from, upper)
		}))
	}
	its = append(its, ver.NewIterators()...)

	merged := iterator.NewMerging(its...)
	defer merged.Close()

	if lo.IsNull() {
		merged.First()
	} else {
		merged.Seek(lo.Data())
	}
	for ; merged.Valid(); merged.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := merged.Record()
		if upper != nil && bytes.Compare(rec.Key, upper) >= 0 {
			break
		}
		if rec.IsTombstone() {
			continue
		}
		if err := fn(rec.Key, rec.Value); err != nil {
			return err
		}
	}
	return merged.Err()
}

// Flush seals the active memtable and waits until every sealed table is in a branch.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.mt.Rotate(ctx); err != nil {
		return err
	}
	return s.mt.WaitFlushed(ctx)
}

// Compact flushes and then merges all branches into one. It waits for a
// background compaction that is already running.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	for {
		err := s.branches.CompactAll(ctx)
		if !errors.Is(err, dberrors.ErrCompactionRunning) {
			return err
		}
		select {
		case <-time.After(compactionPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sync makes every acknowledged write durable.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.wal.FlushDurable(s.wal.LastSeq())
}

// Close stops background work and closes the WAL and branches. Unflushed
// memtable contents stay in the WAL and are replayed by the next Open.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mt.Close()
		s.flusher.Stop()
		s.compactor.Stop()

		s.closeErr = s.closeComponents()
		s.logger.Info("store closed", "error", s.closeErr)
	})
	return s.closeErr
}

func (s *Store) closeComponents() error {
	var errs []error
	if s.wal != nil {
		errs = append(errs, s.wal.Close())
	}
	if s.branches != nil {
		errs = append(errs, s.branches.Close())
	}
	s.queue.Close()
	return errors.Join(errs...)
}
