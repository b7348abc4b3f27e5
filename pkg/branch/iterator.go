package branch

import (
	"bytes"

	"branchdb/pkg/types"
)

// Iterator walks a branch in key order. It reads pages sequentially and
// bypasses the page cache.
type Iterator struct {
	b    *Branch
	page uint32
	data []byte
	rec  types.Record
	ok   bool
	err  error
}

// NewIterator returns an unpositioned iterator over b. The caller must hold a
// version that contains b while iterating.
func (b *Branch) NewIterator() *Iterator {
	return &Iterator{b: b}
}

func (it *Iterator) First() {
	it.load(0)
	it.Next()
}

func (it *Iterator) Seek(target types.Key) {
	id, ok := it.b.index.SeekPage(target)
	if !ok {
		it.ok, it.data = false, nil
		return
	}
	it.load(id)
	for it.Next(); it.ok && bytes.Compare(it.rec.Key, target) < 0; it.Next() {
	}
}

// load positions the iterator before the first record of page id.
func (it *Iterator) load(id uint32) {
	it.ok, it.data, it.err = false, nil, nil
	entry, ok := it.b.index.Page(id)
	if !ok {
		it.page = id
		return
	}
	data, err := it.b.readPage(entry.Handle)
	if err != nil {
		it.err = err
		return
	}
	it.page, it.data = id, data
}

func (it *Iterator) Next() {
	if it.err != nil {
		it.ok = false
		return
	}
	for len(it.data) == 0 {
		if _, ok := it.b.index.Page(it.page + 1); !ok {
			it.ok = false
			return
		}
		it.load(it.page + 1)
		if it.err != nil {
			return
		}
	}

	rec, n, err := decodeRecord(it.data)
	if err != nil {
		it.ok, it.err = false, err
		return
	}
	it.rec, it.ok = rec, true
	it.data = it.data[n:]
}

func (it *Iterator) Valid() bool          { return it.ok }
func (it *Iterator) Record() types.Record { return it.rec }
func (it *Iterator) Err() error           { return it.err }

func (it *Iterator) Close() error {
	it.data, it.ok = nil, false
	return nil
}
