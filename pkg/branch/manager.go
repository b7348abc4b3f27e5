package branch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"branchdb/internal/vfs"
	"branchdb/pkg/cache"
	"branchdb/pkg/compression"
	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/iterator"
	"branchdb/pkg/manifest"
	"branchdb/pkg/perf"
	"branchdb/pkg/types"
)

const openParallelism = 8

// Source is a sealed memtable as seen by Flush.
type Source interface {
	All() iter.Seq[types.Record]
	Len() int
	MaxSeq() types.SeqN
}

// Options configure a Manager.
type Options struct {
	FS         vfs.FileSystem
	Logger     *slog.Logger
	Cache      *cache.Cache
	Perf       *perf.Context
	Branch     config.BranchConfig
	Compaction config.CompactionConfig
}

// Stats describes the current branch set.
type Stats struct {
	Branches    int
	Bytes       int64
	Records     uint64
	Tombstones  uint64
	Compactions uint64
	Flushes     uint64
	// MinSeq and MaxSeq bound the sequences stored across all branches.
	MinSeq types.SeqN
	MaxSeq types.SeqN
}

// Manager owns the ordered set of branches. Flushes prepend a branch;
// compactions replace a run of adjacent branches by their merge. Readers see
// one consistent Version at a time.
type Manager struct {
	dir      string
	opts     Options
	codec    compression.Codec
	logger   *slog.Logger
	manifest *manifest.Manifest

	current atomic.Pointer[Version]
	// installMu serializes manifest commits with version swaps.
	installMu  sync.Mutex
	compacting sync.Mutex

	slots   *semaphore.Weighted
	limiter *rate.Limiter

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// OpenManager loads the branches listed in the manifest of dir and removes
// branch files the manifest does not reference.
func OpenManager(ctx context.Context, dir string, opts Options) (*Manager, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("branch manager needs a page cache: %w", dberrors.ErrInvalidArgument)
	}
	codec, err := compression.FromConfig(opts.Branch.Compression)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:      dir,
		opts:     opts,
		codec:    codec,
		logger:   opts.Logger.With("component", "branch"),
		manifest: manifest.New(opts.FS, dir),
		slots:    semaphore.NewWeighted(int64(max(opts.Compaction.MaxBackgroundJobs, 1))),
	}
	if bps := opts.Compaction.BytesPerSec; bps > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}

	if err := m.manifest.Load(); err != nil {
		return nil, err
	}
	data := m.manifest.Data()

	branches := make([]*Branch, len(data.Branches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openParallelism)
	for i, info := range data.Branches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := Open(opts.FS, dir, info.ID, opts.Cache, opts.Perf)
			if err != nil {
				return err
			}
			branches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range branches {
			if b != nil {
				b.close()
			}
		}
		return nil, err
	}

	m.current.Store(newVersion(branches))
	m.removeOrphans(data)

	m.logger.Info("branches loaded", "count", len(branches), "flushed_seq", data.FlushedSeq)
	return m, nil
}

func (m *Manager) removeOrphans(data manifest.Data) {
	entries, err := m.opts.FS.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("failed to list branch directory", "error", err)
		return
	}

	live := make(map[types.BranchID]bool, len(data.Branches))
	for _, b := range data.Branches {
		live[b.ID] = true
	}
	for _, e := range entries {
		name := e.Name()
		id, ok := parseFileName(name)
		stale := ok && !live[id]
		if !stale && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := m.opts.FS.Remove(filepath.Join(m.dir, name)); err != nil {
			m.logger.Warn("failed to remove orphan file", "file", name, "error", err)
			continue
		}
		m.logger.Info("removed orphan file", "file", name)
	}
}

// Acquire returns the current version with a reference held. It returns nil
// once the manager is closed. Callers must Unref the version.
func (m *Manager) Acquire() *Version {
	for {
		v := m.current.Load()
		if v == nil {
			return nil
		}
		if v.tryRef() {
			return v
		}
	}
}

// FlushedSeq is the highest sequence number stored in branches.
func (m *Manager) FlushedSeq() types.SeqN {
	return m.manifest.Data().FlushedSeq
}

// Get probes the branches newest to oldest and returns the first record for
// key. A tombstone is returned as a record; ok is false when no branch holds key.
func (m *Manager) Get(ctx context.Context, key []byte) (types.Record, bool, error) {
	v := m.Acquire()
	if v == nil {
		return types.Record{}, false, dberrors.ErrClosed
	}
	defer v.Unref()

	for _, b := range v.branches {
		rec, ok, err := b.Get(ctx, key)
		if err != nil {
			return types.Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return types.Record{}, false, nil
}

func (m *Manager) builderOptions(expected int, throttled bool) BuilderOptions {
	opts := BuilderOptions{
		FS:           m.opts.FS,
		PageSize:     m.opts.Branch.PageSize,
		Codec:        m.codec,
		BloomFPRate:  m.opts.Branch.BloomFPRate,
		ExpectedKeys: expected,
		Cache:        m.opts.Cache,
	}
	if throttled {
		opts.Limiter = m.limiter
	}
	return opts
}

// Flush writes src into a new branch and registers it as the newest. On
// failure nothing is registered and the partial file is removed.
func (m *Manager) Flush(ctx context.Context, src Source) error {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slots.Release(1)

	if src.Len() == 0 {
		if seq := src.MaxSeq(); seq > 0 {
			return m.manifest.Commit(manifest.Edit{FlushedSeq: seq})
		}
		return nil
	}

	start := time.Now()
	id := m.manifest.NextBranchID()
	bld, err := NewBuilder(m.dir, id, m.builderOptions(src.Len(), false))
	if err != nil {
		return err
	}
	for rec := range src.All() {
		if err := bld.Add(ctx, rec); err != nil {
			bld.Abort()
			return err
		}
	}
	info, err := bld.Finish(ctx)
	if err != nil {
		bld.Abort()
		return err
	}

	b, err := Open(m.opts.FS, m.dir, id, m.opts.Cache, m.opts.Perf)
	if err != nil {
		bld.Abort()
		return err
	}

	m.installMu.Lock()
	defer m.installMu.Unlock()

	cur := m.current.Load()
	if cur == nil {
		b.discard()
		return dberrors.ErrClosed
	}
	if err := m.manifest.Commit(manifest.Edit{Add: &info, FlushedSeq: src.MaxSeq()}); err != nil {
		b.discard()
		return err
	}
	m.install(append([]*Branch{b}, cur.branches...))
	m.flushes.Add(1)

	m.logger.Info("memtable flushed",
		"branch", id, "records", info.Records, "bytes", info.Size, "took", time.Since(start))
	return nil
}

// install publishes a version built from branches and releases the previous one.
// installMu must be held.
func (m *Manager) install(branches []*Branch) {
	next := newVersion(branches)
	if prev := m.current.Swap(next); prev != nil {
		prev.Unref()
	}
}

// NeedsCompaction reports whether the branch count is above the threshold.
func (m *Manager) NeedsCompaction() bool {
	v := m.Acquire()
	if v == nil {
		return false
	}
	defer v.Unref()
	return len(v.branches) > m.opts.Compaction.Threshold
}

// MaybeCompact merges the newest run of up to max_fan_in branches when the
// branch count is above the threshold. It reports whether a merge ran.
func (m *Manager) MaybeCompact(ctx context.Context) (bool, error) {
	if !m.compacting.TryLock() {
		return false, dberrors.ErrCompactionRunning
	}
	defer m.compacting.Unlock()

	v := m.Acquire()
	if v == nil {
		return false, dberrors.ErrClosed
	}
	defer v.Unref()

	if len(v.branches) <= m.opts.Compaction.Threshold {
		return false, nil
	}
	n := min(max(m.opts.Compaction.MaxFanIn, 2), len(v.branches))
	return true, m.compact(ctx, v.branches[:n], v.branches[n:])
}

// CompactAll merges every branch into one. A single branch is rewritten only
// while it still holds tombstones.
func (m *Manager) CompactAll(ctx context.Context) error {
	if !m.compacting.TryLock() {
		return dberrors.ErrCompactionRunning
	}
	defer m.compacting.Unlock()

	v := m.Acquire()
	if v == nil {
		return dberrors.ErrClosed
	}
	defer v.Unref()

	switch {
	case len(v.branches) == 0:
		return nil
	case len(v.branches) == 1 && v.branches[0].Tombstones() == 0:
		return nil
	}
	return m.compact(ctx, v.branches, nil)
}

// compact merges run, a contiguous newest-first slice of the current branch
// list, into one branch. older holds every branch behind run; a tombstone is
// kept only when one of them may still hold its key.
func (m *Manager) compact(ctx context.Context, run, older []*Branch) error {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slots.Release(1)

	start := time.Now()
	ids := make([]types.BranchID, len(run))
	var expected uint64
	for i, b := range run {
		ids[i] = b.ID()
		expected += b.Records()
	}
	m.logger.Info("compaction started", "inputs", ids)

	var its []iterator.Iterator
	for _, b := range run {
		its = append(its, b.NewIterator())
	}
	merged := iterator.NewMerging(its...)
	defer merged.Close()

	id := m.manifest.NextBranchID()
	bld, err := NewBuilder(m.dir, id, m.builderOptions(int(expected), true))
	if err != nil {
		return err
	}

	var dropped int
	for merged.First(); merged.Valid(); merged.Next() {
		rec := merged.Record()
		if rec.IsTombstone() && !mayContain(older, rec.Key) {
			dropped++
			continue
		}
		if err := bld.Add(ctx, rec); err != nil {
			bld.Abort()
			return err
		}
	}
	if err := merged.Err(); err != nil {
		bld.Abort()
		return err
	}

	var (
		out  *Branch
		info manifest.BranchInfo
	)
	if bld.Records() == 0 {
		bld.Abort()
	} else {
		if info, err = bld.Finish(ctx); err != nil {
			bld.Abort()
			return err
		}
		if out, err = Open(m.opts.FS, m.dir, id, m.opts.Cache, m.opts.Perf); err != nil {
			bld.Abort()
			return err
		}
	}

	m.installMu.Lock()
	defer m.installMu.Unlock()

	discard := func() {
		if out != nil {
			out.discard()
		}
	}
	curVersion := m.current.Load()
	if curVersion == nil {
		discard()
		return dberrors.ErrClosed
	}
	edit := manifest.Edit{Replace: ids}
	if out != nil {
		edit.With = &info
	}
	if err := m.manifest.Commit(edit); err != nil {
		discard()
		return err
	}

	cur := curVersion.branches
	pos := slices.Index(cur, run[0])
	if pos < 0 || len(cur) < pos+len(run) {
		// the manifest and the version list are only changed together
		panic("branch: compaction run missing from current version")
	}
	next := slices.Clone(cur[:pos])
	if out != nil {
		next = append(next, out)
	}
	next = append(next, cur[pos+len(run):]...)

	for _, b := range run {
		b.obsolete.Store(true)
	}
	m.install(next)
	m.compactions.Add(1)

	m.logger.Info("compaction finished",
		"inputs", ids, "output", id, "records", info.Records,
		"dropped_tombstones", dropped, "took", time.Since(start))
	return nil
}

func mayContain(branches []*Branch, key []byte) bool {
	for _, b := range branches {
		if b.MayContain(key) {
			return true
		}
	}
	return false
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Flushes:     m.flushes.Load(),
		Compactions: m.compactions.Load(),
	}
	v := m.Acquire()
	if v == nil {
		return s
	}
	defer v.Unref()

	s.Branches = len(v.branches)
	for _, b := range v.branches {
		s.Bytes += b.Size()
		s.Records += b.Records()
		s.Tombstones += b.Tombstones()

		lo, hi := b.SeqRange()
		if s.MinSeq == 0 || (lo != 0 && lo < s.MinSeq) {
			s.MinSeq = lo
		}
		s.MaxSeq = max(s.MaxSeq, hi)
	}
	return s
}

// Close waits for running flushes and compactions and releases the current
// version. Files stay open until in-flight readers release their versions.
func (m *Manager) Close() error {
	jobs := int64(max(m.opts.Compaction.MaxBackgroundJobs, 1))
	if err := m.slots.Acquire(context.Background(), jobs); err != nil {
		return err
	}
	defer m.slots.Release(jobs)

	m.installMu.Lock()
	defer m.installMu.Unlock()

	prev := m.current.Swap(nil)
	if prev == nil {
		return dberrors.ErrClosed
	}
	prev.Unref()
	return nil
}
