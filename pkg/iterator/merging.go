package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"branchdb/pkg/types"
)

type mergeItem struct {
	it  Iterator
	pri int // position in the input list, lower is newer
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Record().Key, h[j].it.Record().Key); c != 0 {
		return c < 0
	}
	return h[i].pri < h[j].pri
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merging yields the union of its inputs in key order. When several inputs
// hold the same key, only the record of the earliest input is yielded.
type Merging struct {
	inputs []Iterator
	heap   mergeHeap
	err    error
}

// NewMerging merges inputs ordered newest first.
func NewMerging(inputs ...Iterator) *Merging {
	return &Merging{inputs: inputs}
}

func (m *Merging) First() {
	m.reset(func(it Iterator) { it.First() })
}

func (m *Merging) Seek(target types.Key) {
	m.reset(func(it Iterator) { it.Seek(target) })
}

func (m *Merging) reset(position func(Iterator)) {
	m.heap = m.heap[:0]
	m.err = nil
	for i, it := range m.inputs {
		position(it)
		if err := it.Err(); err != nil {
			m.fail(err)
			return
		}
		if it.Valid() {
			m.heap = append(m.heap, mergeItem{it: it, pri: i})
		}
	}
	heap.Init(&m.heap)
}

func (m *Merging) fail(err error) {
	m.err = err
	m.heap = m.heap[:0]
}

// Next skips every shadowed record of the current key.
func (m *Merging) Next() {
	if !m.Valid() {
		return
	}
	key := m.heap[0].it.Record().Key
	for len(m.heap) > 0 && bytes.Equal(m.heap[0].it.Record().Key, key) {
		top := m.heap[0].it
		top.Next()
		if err := top.Err(); err != nil {
			m.fail(err)
			return
		}
		if top.Valid() {
			heap.Fix(&m.heap, 0)
		} else {
			heap.Pop(&m.heap)
		}
	}
}

func (m *Merging) Valid() bool {
	return m.err == nil && len(m.heap) > 0
}

func (m *Merging) Record() types.Record {
	return m.heap[0].it.Record()
}

func (m *Merging) Err() error {
	return m.err
}

func (m *Merging) Close() error {
	var errs []error
	for _, it := range m.inputs {
		errs = append(errs, it.Close())
	}
	m.heap = nil
	return errors.Join(errs...)
}
