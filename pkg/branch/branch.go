// Package branch stores immutable sorted runs on disk and manages the ordered
// set of them: flushing sealed memtables into new branches and merging
// branches by compaction.
package branch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"branchdb/internal/hash"
	"branchdb/internal/vfs"
	"branchdb/pkg/aio"
	"branchdb/pkg/cache"
	"branchdb/pkg/compression"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/filter"
	"branchdb/pkg/index"
	"branchdb/pkg/perf"
	"branchdb/pkg/types"
)

// Branch is an open, immutable branch file with its filter and index loaded.
type Branch struct {
	id     types.BranchID
	path   string
	fs     vfs.FileSystem
	f      vfs.File
	size   int64
	footer footer

	filter *filter.Bloom
	index  *index.Index
	first  []byte
	last   []byte

	cache *cache.Cache
	perf  *perf.Context

	// refs counts the versions holding the branch.
	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open loads branch id from dir.
func Open(fs vfs.FileSystem, dir string, id types.BranchID, c *cache.Cache, pc *perf.Context) (*Branch, error) {
	if fs == nil {
		fs = vfs.Default
	}
	path := filepath.Join(dir, FileName(id))
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, dberrors.IOError("open branch", err)
	}

	b := &Branch{id: id, path: path, fs: fs, f: f, cache: c, perf: pc}
	if err := b.load(); err != nil {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close branch file after load error", "path", path, "error", cerr)
		}
		return nil, fmt.Errorf("branch %d: %w", id, err)
	}

	return b, nil
}

func (b *Branch) load() error {
	st, err := b.f.Stat()
	if err != nil {
		return dberrors.IOError("stat branch", err)
	}
	b.size = st.Size()
	if b.size < footerSize {
		return dberrors.Corruption("file too small: %d bytes", b.size)
	}

	buf, err := b.readAt(b.size-footerSize, footerSize)
	if err != nil {
		return err
	}
	if b.footer, err = decodeFooter(buf, b.size); err != nil {
		return err
	}

	if buf, err = b.readAt(int64(b.footer.filterOff), int(b.footer.filterLen)); err != nil {
		return err
	}
	if b.filter, err = filter.Decode(buf); err != nil {
		return err
	}

	if buf, err = b.readAt(int64(b.footer.indexOff), int(b.footer.indexLen)); err != nil {
		return err
	}
	if b.index, err = index.Decode(buf); err != nil {
		return err
	}
	b.first, b.last, _ = b.index.Bounds()

	return nil
}

func (b *Branch) readAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := b.f.ReadAt(buf, off); err != nil {
		return nil, dberrors.IOError(fmt.Sprintf("read branch at %d", off), err)
	}
	return buf, nil
}

// ID implements cache.PageSource.
func (b *Branch) ID() types.BranchID {
	return b.id
}

func (b *Branch) Path() string {
	return b.path
}

func (b *Branch) Size() int64 {
	return b.size
}

// Records is the number of records, tombstones included.
func (b *Branch) Records() uint64 {
	return b.footer.records
}

func (b *Branch) Tombstones() uint64 {
	return b.footer.tombstones
}

// SeqRange returns the smallest and largest sequence number stored.
func (b *Branch) SeqRange() (types.SeqN, types.SeqN) {
	return b.footer.minSeq, b.footer.maxSeq
}

// MayContain reports whether key may be stored in the branch. False is definitive.
func (b *Branch) MayContain(key []byte) bool {
	if b.index.Len() == 0 || bytes.Compare(key, b.first) < 0 || bytes.Compare(key, b.last) > 0 {
		return false
	}
	return b.filter.MayContain(key)
}

// PageRequest implements cache.PageSource. The request verifies the page
// checksum and decompresses it.
func (b *Branch) PageRequest(h index.Handle) aio.Request {
	return aio.Request{
		File:   b.f,
		Offset: int64(h.Offset),
		Length: int(h.Length),
		Decode: func(raw []byte) ([]byte, error) {
			return b.decodePage(h, raw)
		},
	}
}

func (b *Branch) decodePage(h index.Handle, raw []byte) ([]byte, error) {
	if hash.CRC32C(raw) != h.CRC {
		return nil, dberrors.Corruption("branch %d page %d checksum mismatch", b.id, h.PageID)
	}
	data, err := compression.Decompress(h.Codec, nil, raw, int(h.RawLength))
	if err != nil {
		return nil, fmt.Errorf("branch %d page %d: %w", b.id, h.PageID, err)
	}
	return data, nil
}

// readPage reads a page directly, without the cache.
func (b *Branch) readPage(h index.Handle) ([]byte, error) {
	raw, err := b.readAt(int64(h.Offset), int(h.Length))
	if err != nil {
		return nil, err
	}
	return b.decodePage(h, raw)
}

// Get looks key up. ok is true when the branch holds a record for key,
// tombstones included. The returned record owns its bytes.
func (b *Branch) Get(ctx context.Context, key []byte) (rec types.Record, ok bool, err error) {
	timer := b.perf.Start()
	if !b.MayContain(key) {
		timer.Stop(perf.FilterIndexLookup)
		return types.Record{}, false, nil
	}
	h, found := b.index.Locate(key)
	timer.Stop(perf.FilterIndexLookup)
	if !found {
		return types.Record{}, false, nil
	}

	page, err := b.cache.ReadPage(ctx, b, h)
	if err != nil {
		return types.Record{}, false, fmt.Errorf("branch %d: %w", b.id, err)
	}
	defer page.Release()

	rec, ok, err = searchPage(page.Data(), key)
	if err != nil || !ok {
		return types.Record{}, false, err
	}

	rec.Key = bytes.Clone(rec.Key)
	if rec.Value != nil {
		rec.Value = bytes.Clone(rec.Value)
	}
	return rec, true, nil
}

// searchPage scans a decoded page for key. Records are sorted, so the scan
// stops at the first larger key.
func searchPage(page, key []byte) (types.Record, bool, error) {
	for len(page) > 0 {
		rec, n, err := decodeRecord(page)
		if err != nil {
			return types.Record{}, false, err
		}
		switch c := bytes.Compare(rec.Key, key); {
		case c == 0:
			return rec, true, nil
		case c > 0:
			return types.Record{}, false, nil
		}
		page = page[n:]
	}
	return types.Record{}, false, nil
}

func (b *Branch) ref() {
	b.refs.Add(1)
}

// unref drops a version reference. The last one closes the file and, for an
// obsolete branch, deletes it.
func (b *Branch) unref() {
	if b.refs.Add(-1) > 0 {
		return
	}
	if err := b.f.Close(); err != nil {
		slog.Warn("failed to close branch", "path", b.path, "error", err)
	}
	if !b.obsolete.Load() {
		return
	}
	if b.cache != nil {
		b.cache.EvictBranch(b.id)
	}
	if err := b.fs.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove obsolete branch", "path", b.path, "error", err)
		return
	}
	slog.Debug("removed obsolete branch", "id", b.id, "path", b.path)
}

// close releases a branch that was never published.
func (b *Branch) close() {
	b.refs.Store(1)
	b.unref()
}

// discard closes and deletes a branch that was never published.
func (b *Branch) discard() {
	b.obsolete.Store(true)
	b.close()
}
