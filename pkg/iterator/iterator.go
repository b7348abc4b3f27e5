package iterator

import (
	"iter"

	"branchdb/pkg/types"
)

// Iterator iterates over records sorted by key.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Record returns the current record. Its bytes stay valid until Close.
	Record() types.Record
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// RangeFunc yields the records with key >= lo in ascending order.
type RangeFunc func(lo types.Key) iter.Seq[types.Record]

type seqIterator struct {
	fn   RangeFunc
	next func() (types.Record, bool)
	stop func()
	rec  types.Record
	ok   bool
}

// FromRange adapts a restartable range function into an Iterator.
func FromRange(fn RangeFunc) Iterator {
	return &seqIterator{fn: fn}
}

func (it *seqIterator) start(lo types.Key) {
	it.release()
	it.next, it.stop = iter.Pull(it.fn(lo))
	it.Next()
}

func (it *seqIterator) release() {
	if it.stop != nil {
		it.stop()
		it.next, it.stop = nil, nil
	}
	it.ok = false
}

func (it *seqIterator) Seek(target types.Key) { it.start(target) }
func (it *seqIterator) First()                { it.start(nil) }

func (it *seqIterator) Next() {
	if it.next == nil {
		it.ok = false
		return
	}
	it.rec, it.ok = it.next()
}

func (it *seqIterator) Valid() bool          { return it.ok }
func (it *seqIterator) Record() types.Record { return it.rec }
func (it *seqIterator) Err() error           { return nil }

func (it *seqIterator) Close() error {
	it.release()
	return nil
}
