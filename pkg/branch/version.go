package branch

import (
	"sync/atomic"

	"branchdb/pkg/iterator"
)

// Version is an immutable snapshot of the branch list, newest first. Readers
// hold a reference for the duration of a lookup so that branches replaced in
// the meantime stay open until they finish.
type Version struct {
	branches []*Branch
	refs     atomic.Int32
}

func newVersion(branches []*Branch) *Version {
	v := &Version{branches: branches}
	for _, b := range branches {
		b.ref()
	}
	v.refs.Store(1)
	return v
}

// Branches returns the branches, newest first. The slice must not be modified.
func (v *Version) Branches() []*Branch {
	return v.branches
}

// NewIterators returns one iterator per branch, newest first.
func (v *Version) NewIterators() []iterator.Iterator {
	its := make([]iterator.Iterator, len(v.branches))
	for i, b := range v.branches {
		its[i] = b.NewIterator()
	}
	return its
}

// tryRef takes a reference unless the version was already released.
func (v *Version) tryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref releases a reference. Releasing the last one releases the branches.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, b := range v.branches {
		b.unref()
	}
}
