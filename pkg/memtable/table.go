package memtable

import (
	"bytes"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/zhangyunhao116/skipmap"

	"branchdb/pkg/types"
)

// slot holds the newest record for a key. Writers replace it with CAS so a
// higher sequence always wins over a lower one, whatever the arrival order.
type slot struct {
	key []byte
	rec atomic.Pointer[types.Record]
}

type orderedMap = skipmap.FuncMap[[]byte, *slot]

func slotLess(a, b *slot) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Table is a single memtable: a concurrent ordered map from key to newest record.
type Table struct {
	id   uint64
	data *orderedMap

	// seek index over the same slots, cloned by readers that start mid-table
	orderMu sync.Mutex
	order   *btree.BTreeG[*slot]

	size   atomic.Int64
	count  atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
	sealed atomic.Bool

	flushed chan struct{}
}

func NewTable(id uint64) *Table {
	return &Table{
		id: id,
		data: skipmap.NewFunc[[]byte, *slot](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		order:   btree.NewG[*slot](32, slotLess),
		flushed: make(chan struct{}),
	}
}

func (t *Table) ID() uint64 {
	return t.id
}

// Put inserts rec unless the table already holds a newer record for its key.
// rec must own its key and value. Put reports whether rec was applied.
func (t *Table) Put(rec types.Record) bool {
	s, ok := t.data.Load(rec.Key)
	if !ok {
		fresh := &slot{key: rec.Key}
		fresh.rec.Store(&rec)
		if s, ok = t.data.LoadOrStore(rec.Key, fresh); !ok {
			t.orderMu.Lock()
			t.order.ReplaceOrInsert(fresh)
			t.orderMu.Unlock()
			t.count.Add(1)
			t.account(rec)
			return true
		}
	}

	for {
		cur := s.rec.Load()
		if cur.Seq >= rec.Seq {
			return false
		}
		if s.rec.CompareAndSwap(cur, &rec) {
			t.account(rec)
			return true
		}
	}
}

func (t *Table) account(rec types.Record) {
	t.size.Add(int64(rec.Size()))
	for {
		cur := t.maxSeq.Load()
		if rec.Seq <= cur || t.maxSeq.CompareAndSwap(cur, rec.Seq) {
			break
		}
	}
	for {
		cur := t.minSeq.Load()
		if (cur != 0 && rec.Seq >= cur) || t.minSeq.CompareAndSwap(cur, rec.Seq) {
			break
		}
	}
}

// Get returns the newest record for key. A tombstone is returned as a record.
func (t *Table) Get(key []byte) (types.Record, bool) {
	s, ok := t.data.Load(key)
	if !ok {
		return types.Record{}, false
	}
	return *s.rec.Load(), true
}

// Range yields records with lo <= key < hi in ascending key order.
// A nil bound is open. The sequence can be iterated more than once.
func (t *Table) Range(lo, hi []byte) iter.Seq[types.Record] {
	if lo == nil {
		return func(yield func(types.Record) bool) {
			t.data.Range(func(key []byte, s *slot) bool {
				if hi != nil && bytes.Compare(key, hi) >= 0 {
					return false
				}
				return yield(*s.rec.Load())
			})
		}
	}

	return func(yield func(types.Record) bool) {
		// the clone is copy-on-write, so writers never wait for this walk
		t.orderMu.Lock()
		order := t.order.Clone()
		t.orderMu.Unlock()

		order.AscendGreaterOrEqual(&slot{key: lo}, func(s *slot) bool {
			if hi != nil && bytes.Compare(s.key, hi) >= 0 {
				return false
			}
			return yield(*s.rec.Load())
		})
	}
}

// All yields every record in key order.
func (t *Table) All() iter.Seq[types.Record] {
	return t.Range(nil, nil)
}

// Size is the approximate number of bytes inserted.
func (t *Table) Size() int64 {
	return t.size.Load()
}

// Len is the number of distinct keys.
func (t *Table) Len() int {
	return int(t.count.Load())
}

func (t *Table) Empty() bool {
	return t.count.Load() == 0
}

func (t *Table) MinSeq() types.SeqN {
	return t.minSeq.Load()
}

// MaxSeq is the highest sequence in the table. Once sealed, every record
// with a sequence <= MaxSeq lives in this table or an older one.
func (t *Table) MaxSeq() types.SeqN {
	return t.maxSeq.Load()
}

func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Flushed is closed once the table's contents live in a branch.
func (t *Table) Flushed() <-chan struct{} {
	return t.flushed
}
