package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"branchdb/internal/vfs"
	"branchdb/pkg/clock"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/types"
)

const segmentExt = ".wal"

// Options configures a WAL.
type Options struct {
	FS          vfs.FileSystem
	Logger      *slog.Logger
	SegmentSize int64
	// StartSeq is the lowest sequence the log may resume from, normally the last
	// sequence recorded in the manifest. Used when every segment was truncated away.
	StartSeq types.SeqN
	// SyncInterval > 0 starts a background goroutine syncing the log periodically.
	SyncInterval time.Duration
}

type segment struct {
	id       uint64
	path     string
	firstSeq types.SeqN
	lastSeq  types.SeqN
	size     int64
}

func (s *segment) empty() bool {
	return s.lastSeq < s.firstSeq
}

// WAL is a segmented write-ahead log with group commit.
//
// Append assigns gap-free sequence numbers under a mutex. FlushDurable elects a
// single caller to fsync on behalf of everyone waiting; the durability marker
// only moves after a successful sync. A sync failure is terminal.
type WAL struct {
	fs     vfs.FileSystem
	dir    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	syncCond *sync.Cond
	syncing  bool
	segments []*segment // oldest first, last is active
	file     vfs.File
	writer   *bufio.Writer
	buf      []byte
	err      error
	closed   bool

	lastSeq *clock.AtomicClock
	durable atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open validates every segment in dir, discards a torn tail in the newest one,
// and positions the log for appends.
func Open(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir: %w", dberrors.ErrInvalidArgument)
	}
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 4 << 20
	}

	dir = filepath.Clean(dir)
	if err := opts.FS.MkdirAll(dir, 0o750); err != nil {
		return nil, dberrors.IOError("create WAL directory", err)
	}

	w := &WAL{
		fs:      opts.FS,
		dir:     dir,
		opts:    opts,
		logger:  opts.Logger.With("component", "wal"),
		lastSeq: clock.NewAtomic(opts.StartSeq),
		cancel:  func() {},
	}
	w.syncCond = sync.NewCond(&w.mu)

	if err := w.recover(); err != nil {
		return nil, err
	}
	w.durable.Store(w.lastSeq.Val())

	if opts.SyncInterval > 0 {
		var ctx context.Context
		ctx, w.cancel = context.WithCancel(context.Background())
		w.wg.Add(1)
		go w.syncLoop(ctx, opts.SyncInterval)
	}

	return w, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d%s", id, segmentExt))
}

func (w *WAL) listSegments() ([]uint64, error) {
	entries, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return nil, dberrors.IOError("list WAL directory", err)
	}

	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			w.logger.Warn("skipping unrecognized WAL file", "name", name)
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, nil
}

func (w *WAL) recover() error {
	ids, err := w.listSegments()
	if err != nil {
		return err
	}

	var (
		records  int
		dropped  int64
		prevSeq  types.SeqN
		firstRec = true
	)
	for i, id := range ids {
		last := i == len(ids)-1
		seg := &segment{id: id, path: w.segmentPath(id)}

		f, err := w.fs.OpenFile(seg.path, os.O_RDONLY, 0)
		if err != nil {
			return dberrors.IOError("open WAL segment", err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return dberrors.IOError("stat WAL segment", err)
		}

		sc, err := newScanner(f, info.Size())
		for err == nil {
			var rec types.Record
			rec, err = sc.next()
			if err != nil {
				break
			}
			if !firstRec && rec.Seq <= prevSeq {
				err = dberrors.Corruption("segment %d: sequence %d after %d", id, rec.Seq, prevSeq)
				break
			}
			if seg.firstSeq == 0 {
				seg.firstSeq = rec.Seq
			}
			seg.lastSeq = rec.Seq
			prevSeq, firstRec = rec.Seq, false
			records++
		}
		if cerr := f.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL segment", "path", seg.path, "error", cerr)
		}

		switch {
		case errors.Is(err, io.EOF):
		case isTorn(err) && last:
			dropped = info.Size() - sc.off
			if err := w.truncateTail(seg.path, sc.off); err != nil {
				return err
			}
		default:
			return fmt.Errorf("recover WAL segment %s: %w", filepath.Base(seg.path), err)
		}

		if seg.firstSeq == 0 {
			// empty segment: it covers nothing
			base := max(prevSeq, w.lastSeq.Val())
			seg.firstSeq, seg.lastSeq = base+1, base
		}
		seg.size = max(sc.off, headerSize)
		w.segments = append(w.segments, seg)
	}

	if !firstRec {
		w.lastSeq.Advance(prevSeq)
	}

	if len(w.segments) == 0 {
		if err := w.createSegment(1); err != nil {
			return err
		}
	} else if err := w.openActive(); err != nil {
		return err
	}

	w.logger.Info("wal recovered",
		"segments", len(w.segments),
		"records", records,
		"last_seq", w.lastSeq.Val(),
		"torn_bytes_dropped", dropped,
	)
	return nil
}

// truncateTail cuts a segment back to its last valid record, rewriting the header
// when not even that survived.
func (w *WAL) truncateTail(path string, off int64) error {
	f, err := w.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return dberrors.IOError("open torn WAL segment", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL segment", "path", path, "error", cerr)
		}
	}()

	if off < headerSize {
		if err := f.Truncate(0); err != nil {
			return dberrors.IOError("truncate torn WAL segment", err)
		}
		if _, err := f.Write(encodeHeader()); err != nil {
			return dberrors.IOError("rewrite WAL header", err)
		}
	} else if err := f.Truncate(off); err != nil {
		return dberrors.IOError("truncate torn WAL segment", err)
	}

	return dberrors.IOError("sync torn WAL segment", f.Sync())
}

func (w *WAL) openActive() error {
	seg := w.segments[len(w.segments)-1]
	f, err := w.fs.OpenFile(seg.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return dberrors.IOError("open active WAL segment", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IOError("sync active WAL segment", err)
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

// createSegment makes id the active segment. Callers hold mu or own w exclusively.
func (w *WAL) createSegment(id uint64) error {
	path := w.segmentPath(id)
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return dberrors.IOError("create WAL segment", err)
	}
	if _, err := f.Write(encodeHeader()); err != nil {
		_ = f.Close()
		return dberrors.IOError("write WAL header", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IOError("sync WAL segment", err)
	}
	if err := w.fs.SyncDir(w.dir); err != nil {
		_ = f.Close()
		return dberrors.IOError("sync WAL directory", err)
	}

	next := w.lastSeq.Val() + 1
	w.segments = append(w.segments, &segment{
		id:       id,
		path:     path,
		firstSeq: next,
		lastSeq:  next - 1,
		size:     headerSize,
	})
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

// Append writes a record and returns its sequence number. The record is buffered;
// call FlushDurable to make it crash safe.
func (w *WAL) Append(kind types.Kind, key, value []byte) (types.SeqN, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("wal append kind %d: %w", kind, dberrors.ErrInvalidArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}

	seq := w.lastSeq.Val() + 1
	w.buf = appendRecord(w.buf[:0], seq, kind, key, value)
	if _, err := w.writer.Write(w.buf); err != nil {
		// a partial frame may be on disk, nothing after it would be readable
		w.err = dberrors.IOError("wal append", err)
		return 0, w.err
	}
	w.lastSeq.Set(seq)

	active := w.segments[len(w.segments)-1]
	active.lastSeq = seq
	active.size += int64(len(w.buf))

	if active.size >= w.opts.SegmentSize {
		// once the record is synced, a failure to open the next segment only
		// poisons later appends through w.err
		if err := w.rotateLocked(); err != nil && w.durable.Load() < seq {
			return seq, err
		}
	}

	return seq, nil
}

func (w *WAL) usable() error {
	if w.closed {
		return dberrors.ErrClosed
	}
	return w.err
}

// rotateLocked syncs and closes the active segment and opens the next one.
func (w *WAL) rotateLocked() error {
	for w.syncing {
		w.syncCond.Wait()
	}
	if err := w.usable(); err != nil {
		return err
	}

	target := w.lastSeq.Val()
	if err := w.writer.Flush(); err != nil {
		w.err = dberrors.IOError("wal flush", err)
		return w.err
	}
	if err := w.file.Sync(); err != nil {
		w.err = dberrors.IOError("wal sync", err)
		return w.err
	}
	w.advanceDurable(target)
	w.syncCond.Broadcast()

	if err := w.file.Close(); err != nil {
		w.logger.Warn("failed to close WAL segment", "error", err)
	}

	active := w.segments[len(w.segments)-1]
	if err := w.createSegment(active.id + 1); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *WAL) advanceDurable(seq types.SeqN) {
	for {
		cur := w.durable.Load()
		if seq <= cur || w.durable.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// FlushDurable blocks until every record with sequence <= seq is fsynced.
func (w *WAL) FlushDurable(seq types.SeqN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if w.err != nil {
			return w.err
		}
		if w.closed {
			if w.durable.Load() >= min(seq, w.lastSeq.Val()) {
				return nil
			}
			return dberrors.ErrClosed
		}
		if w.durable.Load() >= min(seq, w.lastSeq.Val()) {
			return nil
		}
		if !w.syncing {
			break
		}
		w.syncCond.Wait()
	}

	w.syncing = true
	target := w.lastSeq.Val()
	err := w.writer.Flush()
	file := w.file

	w.mu.Unlock()
	if err == nil {
		err = file.Sync()
	}
	w.mu.Lock()

	w.syncing = false
	if err != nil {
		w.err = dberrors.IOError("wal sync", err)
	} else {
		w.advanceDurable(target)
	}
	w.syncCond.Broadcast()

	return w.err
}

// Sync makes every appended record durable.
func (w *WAL) Sync() error {
	return w.FlushDurable(w.lastSeq.Val())
}

// DurableSeq is the highest sequence guaranteed to survive a crash.
func (w *WAL) DurableSeq() types.SeqN {
	return w.durable.Load()
}

// LastSeq is the highest sequence handed out by Append.
func (w *WAL) LastSeq() types.SeqN {
	return w.lastSeq.Val()
}

// Truncate removes whole segments whose records all have sequence <= seq.
// seq is clamped to the durability marker.
func (w *WAL) Truncate(seq types.SeqN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	seq = min(seq, w.durable.Load())

	active := w.segments[len(w.segments)-1]
	if !active.empty() && active.lastSeq <= seq {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	var (
		keep    []*segment
		removed int
	)
	for i, seg := range w.segments {
		if i == len(w.segments)-1 || seg.lastSeq > seq {
			keep = append(keep, w.segments[i:]...)
			break
		}
		if err := w.fs.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			keep = append(keep, w.segments[i:]...)
			w.segments = keep
			return dberrors.IOError("remove WAL segment", err)
		}
		removed++
	}
	w.segments = keep

	if removed > 0 {
		w.logger.Debug("wal truncated", "up_to", seq, "segments_removed", removed)
	}
	return nil
}

// Replay calls fn for every record with sequence >= from, in order.
// Records passed to fn own their key and value.
func (w *WAL) Replay(from types.SeqN, fn func(types.Record) error) error {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return err
	}
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		return dberrors.IOError("flush WAL before replay", err)
	}
	segs := make([]segment, 0, len(w.segments))
	for _, s := range w.segments {
		segs = append(segs, *s)
	}
	w.mu.Unlock()

	for _, seg := range segs {
		if seg.empty() || seg.lastSeq < from {
			continue
		}
		if err := w.replaySegment(seg, from, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replaySegment(seg segment, from types.SeqN, fn func(types.Record) error) error {
	f, err := w.fs.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return dberrors.IOError("open WAL for reading", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	sc, err := newScanner(f, seg.size)
	if err != nil {
		return err
	}
	for {
		rec, err := sc.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay WAL segment %d: %w", seg.id, err)
		}
		if rec.Seq < from {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

func (w *WAL) syncLoop(ctx context.Context, every time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.durable.Load() >= w.lastSeq.Val() {
				continue
			}
			if err := w.Sync(); err != nil {
				if !errors.Is(err, dberrors.ErrClosed) {
					w.logger.Error("background wal sync failed", "error", err)
				}
				return
			}
		}
	}
}

// Close syncs outstanding records and closes the active segment.
func (w *WAL) Close() error {
	w.cancel()
	w.wg.Wait()

	syncErr := w.Sync()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file != nil {
		if err := w.file.Close(); err != nil && syncErr == nil {
			syncErr = dberrors.IOError("close WAL file", err)
		}
		w.file = nil
		w.writer = nil
	}
	w.syncCond.Broadcast()

	if errors.Is(syncErr, dberrors.ErrClosed) {
		return nil
	}
	return syncErr
}
