package store

import (
	"context"
	"errors"
	"time"

	"branchdb/pkg/dberrors"
	"branchdb/pkg/memtable"
)

const (
	flushBackoffMin = 10 * time.Millisecond
	flushBackoffMax = time.Second
)

// flush writes a sealed table into a branch, retrying until it succeeds or
// the store shuts down. Writers blocked on backpressure wait for it.
func (s *Store) flush(ctx context.Context, t *memtable.Table) error {
	backoff := flushBackoffMin
	for attempt := 1; ; attempt++ {
		err := s.branches.Flush(ctx, t)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return err
		}
		s.bgErr.Store(&err)
		s.logger.Warn("memtable flush failed, retrying",
			"table", t.ID(), "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, flushBackoffMax)
	}

	// the branch is registered, so readers no longer need the table
	s.mt.Release(t)

	if !s.replaying.Load() {
		if err := s.wal.Truncate(t.MaxSeq()); err != nil {
			s.logger.Warn("failed to truncate WAL", "up_to", t.MaxSeq(), "error", err)
		}
	}
	s.scheduleCompaction()
	return nil
}

func (s *Store) scheduleCompaction() {
	if !s.branches.NeedsCompaction() {
		return
	}
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

// compact merges branches until the count is back under the threshold.
func (s *Store) compact(ctx context.Context, _ struct{}) error {
	for {
		ran, err := s.branches.MaybeCompact(ctx)
		switch {
		case errors.Is(err, dberrors.ErrCompactionRunning):
			// a manual compaction is in progress
			return nil
		case err != nil:
			return err
		case !ran:
			return nil
		}
	}
}
