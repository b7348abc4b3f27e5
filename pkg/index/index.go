// Package index maps key ranges to page locations inside a branch file.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"branchdb/internal/hash"
	"branchdb/pkg/compression"
	"branchdb/pkg/dberrors"
)

const degree = 16

// Handle locates one page on disk.
type Handle struct {
	PageID    uint32
	Offset    uint64
	Length    uint32 // stored bytes
	RawLength uint32 // bytes after decompression
	Codec     compression.Codec
	CRC       uint32 // crc32c of the stored bytes
}

// Entry covers the keys FirstKey..LastKey, both inclusive, of one page.
type Entry struct {
	FirstKey []byte
	LastKey  []byte
	Handle   Handle
}

func less(a, b Entry) bool {
	return bytes.Compare(a.FirstKey, b.FirstKey) < 0
}

// Index is a sparse, read-only after build, page index.
type Index struct {
	tree  *btree.BTreeG[Entry]
	pages []Entry
}

func New() *Index {
	return &Index{tree: btree.NewG[Entry](degree, less)}
}

// Add appends the entry for the next page. Pages must arrive in key order
// and must not overlap.
func (ix *Index) Add(e Entry) error {
	if bytes.Compare(e.FirstKey, e.LastKey) > 0 {
		return fmt.Errorf("page %d: first key after last key: %w", e.Handle.PageID, dberrors.ErrInvalidArgument)
	}
	if n := len(ix.pages); n > 0 && bytes.Compare(ix.pages[n-1].LastKey, e.FirstKey) >= 0 {
		return fmt.Errorf("page %d overlaps page %d: %w", e.Handle.PageID, n-1, dberrors.ErrInvalidArgument)
	}
	if int(e.Handle.PageID) != len(ix.pages) {
		return fmt.Errorf("page id %d out of sequence: %w", e.Handle.PageID, dberrors.ErrInvalidArgument)
	}

	ix.pages = append(ix.pages, e)
	ix.tree.ReplaceOrInsert(e)
	return nil
}

// Locate returns the page whose key range contains key. It reports false when
// key falls before, after, or between pages.
func (ix *Index) Locate(key []byte) (Handle, bool) {
	var (
		found Entry
		ok    bool
	)
	ix.tree.DescendLessOrEqual(Entry{FirstKey: key}, func(e Entry) bool {
		found, ok = e, true
		return false
	})
	if !ok || bytes.Compare(key, found.LastKey) > 0 {
		return Handle{}, false
	}
	return found.Handle, true
}

// SeekPage returns the id of the first page holding keys >= key.
func (ix *Index) SeekPage(key []byte) (uint32, bool) {
	if h, ok := ix.Locate(key); ok {
		return h.PageID, true
	}

	var (
		found Entry
		ok    bool
	)
	ix.tree.AscendGreaterOrEqual(Entry{FirstKey: key}, func(e Entry) bool {
		found, ok = e, true
		return false
	})
	return found.Handle.PageID, ok
}

// Page returns the entry for a page id.
func (ix *Index) Page(id uint32) (Entry, bool) {
	if int(id) >= len(ix.pages) {
		return Entry{}, false
	}
	return ix.pages[id], true
}

func (ix *Index) Len() int {
	return len(ix.pages)
}

// Bounds returns the smallest and largest key covered.
func (ix *Index) Bounds() (first, last []byte, ok bool) {
	if len(ix.pages) == 0 {
		return nil, nil, false
	}
	return ix.pages[0].FirstKey, ix.pages[len(ix.pages)-1].LastKey, true
}

// MarshalBinary encodes count | entries | crc32c.
func (ix *Index) MarshalBinary() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(ix.pages)))
	for _, e := range ix.pages {
		buf = binary.AppendUvarint(buf, uint64(len(e.FirstKey)))
		buf = append(buf, e.FirstKey...)
		buf = binary.AppendUvarint(buf, uint64(len(e.LastKey)))
		buf = append(buf, e.LastKey...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Handle.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Handle.Length)
		buf = binary.LittleEndian.AppendUint32(buf, e.Handle.RawLength)
		buf = append(buf, byte(e.Handle.Codec))
		buf = binary.LittleEndian.AppendUint32(buf, e.Handle.CRC)
	}
	return binary.LittleEndian.AppendUint32(buf, hash.CRC32C(buf)), nil
}

// Decode parses an index written by MarshalBinary.
func Decode(data []byte) (*Index, error) {
	if len(data) < 8 {
		return nil, dberrors.Corruption("index too short: %d bytes", len(data))
	}
	body := data[:len(data)-4]
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, dberrors.Corruption("index checksum mismatch")
	}

	n := binary.LittleEndian.Uint32(body[0:4])
	r := reader{buf: body[4:]}
	ix := New()
	for i := range n {
		e := Entry{
			FirstKey: r.bytes(),
			LastKey:  r.bytes(),
			Handle: Handle{
				PageID:    i,
				Offset:    r.u64(),
				Length:    r.u32(),
				RawLength: r.u32(),
				Codec:     compression.Codec(r.u8()),
				CRC:       r.u32(),
			},
		}
		if r.err != nil {
			return nil, dberrors.Corruption("index entry %d truncated", i)
		}
		if err := ix.Add(e); err != nil {
			return nil, dberrors.Corruption("index entry %d: %v", i, err)
		}
	}
	if len(r.buf) != 0 {
		return nil, dberrors.Corruption("index has %d trailing bytes", len(r.buf))
	}

	return ix, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil || n < 0 || len(r.buf) < n {
		r.err = dberrors.ErrCorruption
		return nil
	}
	out := r.buf[:n:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) bytes() []byte {
	n, sz := binary.Uvarint(r.buf)
	if sz <= 0 || n > uint64(len(r.buf)) {
		r.err = dberrors.ErrCorruption
		return nil
	}
	r.buf = r.buf[sz:]
	return r.take(int(n))
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}
