package store

import (
	"branchdb/pkg/aio"
	"branchdb/pkg/branch"
	"branchdb/pkg/cache"
	"branchdb/pkg/perf"
	"branchdb/pkg/types"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveBytes  int64
	ActiveKeys   int
	SealedTables int
	Branches     branch.Stats
	Cache        cache.Stats
	IO           aio.Stats
	DurableSeq   types.SeqN
	LastSeq      types.SeqN
	Perf         perf.Counters
	// LastBackgroundError is the most recent flush or compaction failure.
	LastBackgroundError error
}

func (s *Store) Stats() Stats {
	view := s.mt.View()
	st := Stats{
		ActiveBytes:  view.Active.Size(),
		ActiveKeys:   view.Active.Len(),
		SealedTables: len(view.Sealed),
		Branches:     s.branches.Stats(),
		Cache:        s.cache.Stats(),
		IO:           s.queue.Stats(),
		DurableSeq:   s.wal.DurableSeq(),
		LastSeq:      s.wal.LastSeq(),
		Perf:         s.perf.Snapshot(),
	}
	if err := s.bgErr.Load(); err != nil {
		st.LastBackgroundError = *err
	}
	return st
}
