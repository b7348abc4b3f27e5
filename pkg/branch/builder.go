package branch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"branchdb/internal/hash"
	"branchdb/internal/vfs"
	"branchdb/pkg/cache"
	"branchdb/pkg/compression"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/filter"
	"branchdb/pkg/index"
	"branchdb/pkg/manifest"
	"branchdb/pkg/types"
)

// BuilderOptions control how a branch file is written.
type BuilderOptions struct {
	FS          vfs.FileSystem
	PageSize    int
	Codec       compression.Codec
	BloomFPRate float64
	// ExpectedKeys sizes the filter.
	ExpectedKeys int
	// Limiter throttles written bytes when set.
	Limiter *rate.Limiter
	// Cache receives every written page when set.
	Cache *cache.Cache
}

// Builder writes one branch file from records supplied in ascending key order.
type Builder struct {
	id   types.BranchID
	dir  string
	path string
	opts BuilderOptions

	f  vfs.File
	w  *bufio.Writer
	cw *compression.CountingWriter

	page       []byte
	firstKey   []byte
	lastKey    []byte
	pageID     uint32
	compressed []byte

	bloom *filter.Bloom
	index *index.Index
	ftr   footer
}

// NewBuilder creates the file for branch id in dir.
func NewBuilder(dir string, id types.BranchID, opts BuilderOptions) (*Builder, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 4096
	}

	path := filepath.Join(dir, FileName(id))
	f, err := opts.FS.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, dberrors.IOError("create branch", err)
	}

	b := &Builder{
		id:    id,
		dir:   dir,
		path:  path,
		opts:  opts,
		f:     f,
		page:  make([]byte, 0, opts.PageSize+opts.PageSize/4),
		bloom: filter.New(max(opts.ExpectedKeys, 1), opts.BloomFPRate),
		index: index.New(),
	}
	b.cw = compression.NewCountingWriter(f)
	b.w = bufio.NewWriterSize(b.cw, 64<<10)

	return b, nil
}

func (b *Builder) ID() types.BranchID {
	return b.id
}

// Records reports how many records were added so far.
func (b *Builder) Records() uint64 {
	return b.ftr.records
}

// Add appends rec. Keys must be strictly increasing.
func (b *Builder) Add(ctx context.Context, rec types.Record) error {
	if b.lastKey != nil && bytes.Compare(rec.Key, b.lastKey) <= 0 {
		return fmt.Errorf("key %q not after %q: %w", rec.Key, b.lastKey, dberrors.ErrInvalidArgument)
	}

	if len(b.page) == 0 {
		b.firstKey = bytes.Clone(rec.Key)
	}
	b.page = appendRecord(b.page, rec)
	b.lastKey = bytes.Clone(rec.Key)
	b.bloom.Add(rec.Key)

	if b.ftr.records == 0 || rec.Seq < b.ftr.minSeq {
		b.ftr.minSeq = rec.Seq
	}
	b.ftr.maxSeq = max(b.ftr.maxSeq, rec.Seq)
	b.ftr.records++
	if rec.IsTombstone() {
		b.ftr.tombstones++
	}

	if len(b.page) >= b.opts.PageSize {
		return b.finishPage(ctx)
	}
	return nil
}

func (b *Builder) finishPage(ctx context.Context) error {
	if len(b.page) == 0 {
		return nil
	}

	stored, codec, err := compression.Compress(b.opts.Codec, b.compressed[:0], b.page)
	if err != nil {
		return err
	}
	b.compressed = stored

	h := index.Handle{
		PageID:    b.pageID,
		Offset:    uint64(b.cw.Count()) + uint64(b.w.Buffered()),
		Length:    uint32(len(stored)),
		RawLength: uint32(len(b.page)),
		Codec:     codec,
		CRC:       hash.CRC32C(stored),
	}
	if err := b.write(ctx, stored); err != nil {
		return err
	}
	if err := b.index.Add(index.Entry{FirstKey: b.firstKey, LastKey: b.lastKey, Handle: h}); err != nil {
		return err
	}
	if b.opts.Cache != nil {
		b.opts.Cache.WritePage(b.id, b.pageID, bytes.Clone(b.page))
	}

	b.pageID++
	b.page = b.page[:0]
	return nil
}

func (b *Builder) write(ctx context.Context, p []byte) error {
	if l := b.opts.Limiter; l != nil {
		for rest := len(p); rest > 0; {
			n := min(rest, l.Burst())
			if err := l.WaitN(ctx, n); err != nil {
				return err
			}
			rest -= n
		}
	}
	if _, err := b.w.Write(p); err != nil {
		return dberrors.IOError("write branch", err)
	}
	return nil
}

// Finish writes the filter, index and footer, syncs the file, and returns the
// manifest entry describing it.
func (b *Builder) Finish(ctx context.Context) (manifest.BranchInfo, error) {
	if err := b.finishPage(ctx); err != nil {
		return manifest.BranchInfo{}, err
	}

	filterData, err := b.bloom.MarshalBinary()
	if err != nil {
		return manifest.BranchInfo{}, err
	}
	indexData, err := b.index.MarshalBinary()
	if err != nil {
		return manifest.BranchInfo{}, err
	}

	pos := func() uint64 { return uint64(b.cw.Count()) + uint64(b.w.Buffered()) }
	b.ftr.filterOff, b.ftr.filterLen = pos(), uint64(len(filterData))
	if err := b.write(ctx, filterData); err != nil {
		return manifest.BranchInfo{}, err
	}
	b.ftr.indexOff, b.ftr.indexLen = pos(), uint64(len(indexData))
	if err := b.write(ctx, indexData); err != nil {
		return manifest.BranchInfo{}, err
	}
	if _, err := b.w.Write(b.ftr.encode()); err != nil {
		return manifest.BranchInfo{}, dberrors.IOError("write branch footer", err)
	}

	if err := b.w.Flush(); err != nil {
		return manifest.BranchInfo{}, dberrors.IOError("flush branch", err)
	}
	if err := b.f.Sync(); err != nil {
		return manifest.BranchInfo{}, dberrors.IOError("sync branch", err)
	}
	if err := b.f.Close(); err != nil {
		b.f = nil
		return manifest.BranchInfo{}, dberrors.IOError("close branch", err)
	}
	b.f = nil
	if err := b.opts.FS.SyncDir(b.dir); err != nil {
		return manifest.BranchInfo{}, dberrors.IOError("sync branch directory", err)
	}

	return manifest.BranchInfo{
		ID:      b.id,
		File:    FileName(b.id),
		Size:    b.cw.Count(),
		Records: b.ftr.records,
		MinSeq:  b.ftr.minSeq,
		MaxSeq:  b.ftr.maxSeq,
	}, nil
}

// Abort discards the partial file and any pages it warmed.
func (b *Builder) Abort() {
	if b.opts.Cache != nil {
		b.opts.Cache.EvictBranch(b.id)
	}
	if b.f != nil {
		if err := b.f.Close(); err != nil {
			slog.Warn("failed to close aborted branch", "path", b.path, "error", err)
		}
		b.f = nil
	}
	if err := b.opts.FS.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove aborted branch", "path", b.path, "error", err)
	}
}
