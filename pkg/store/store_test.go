package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/internal/vfs"
	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/perf"
	"branchdb/pkg/slice"
)

func TestStore_PutString_GetString(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	mustPut(t, s, "key1", "value1")

	v, ok := mustGet(t, s, "key1")
	require.True(t, ok)
	assert.Equal(t, "value1", v)

	_, ok = mustGet(t, s, "missing")
	assert.False(t, ok)

	_, err := s.Get(context.Background(), slice.FromString("missing"))
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestStore_Overwrite(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	mustPut(t, s, "a", "1")
	mustPut(t, s, "a", "2")

	v, ok := mustGet(t, s, "a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestStore_TombstoneInMemtableHidesFlushedValue(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	mustPut(t, s, "a", "1")
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 1, s.Stats().Branches.Branches)

	require.NoError(t, s.DeleteString(ctx, "a"))
	_, ok := mustGet(t, s, "a")
	assert.False(t, ok)

	// and after the tombstone is flushed too
	require.NoError(t, s.Flush(ctx))
	_, ok = mustGet(t, s, "a")
	assert.False(t, ok)
}

func TestStore_NewestBranchWins(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	mustPut(t, s, "x", "old")
	require.NoError(t, s.Flush(ctx))
	mustPut(t, s, "x", "new")
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	defer s.Close()

	v, ok := mustGet(t, s, "x")
	require.True(t, ok)
	assert.Equal(t, "new", v)

	st := s.Stats()
	assert.Equal(t, 2, st.Branches.Branches)
	assert.Equal(t, uint64(1), st.Cache.Misses, "only the newest branch is read")
}

func TestStore_EmptyAndNullValues(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, slice.FromString("null"), slice.Null))
	require.NoError(t, s.Put(ctx, slice.FromString("empty"), slice.FromBytes(nil)))
	require.NoError(t, s.Put(ctx, slice.FromBytes(nil), slice.FromString("empty key")))

	for _, k := range []string{"null", "empty"} {
		v, err := s.Get(ctx, slice.FromString(k))
		require.NoError(t, err, k)
		assert.NotNil(t, v)
		assert.Empty(t, v)
	}
	v, err := s.Get(ctx, slice.FromBytes(nil))
	require.NoError(t, err)
	assert.Equal(t, "empty key", string(v))
}

func TestStore_InvalidArguments(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	assert.ErrorIs(t, s.Put(ctx, slice.Null, slice.FromString("v")), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Put(ctx, slice.Invalid, slice.FromString("v")), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Put(ctx, slice.FromString("k"), slice.Invalid), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Delete(ctx, slice.Invalid), dberrors.ErrInvalidArgument)
	_, err := s.Get(ctx, slice.Null)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_CallerBuffersAreNotRetained(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	k, v := []byte("key"), []byte("value")
	require.NoError(t, s.Put(ctx, slice.FromBytes(k), slice.FromBytes(v)))
	copy(k, "xxx")
	copy(v, "XXXXX")

	got, err := s.Get(ctx, slice.FromString("key"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))

	// nor are returned buffers shared with the engine
	got[0] = 'V'
	again, err := s.Get(ctx, slice.FromString("key"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(again))
}

func TestStore_ReopenReplaysWAL(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	mustPut(t, s, "flushed", "1")
	require.NoError(t, s.Flush(ctx))
	mustPut(t, s, "logged", "2")
	require.NoError(t, s.DeleteString(ctx, "flushed"))
	require.NoError(t, s.Close())

	for range 2 {
		s = openStore(t, cfg)
		_, ok := mustGet(t, s, "flushed")
		assert.False(t, ok)
		v, ok := mustGet(t, s, "logged")
		require.True(t, ok)
		assert.Equal(t, "2", v)
		require.NoError(t, s.Close())
	}
}

func TestStore_ReopenUnderRejectPolicyReplaysEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Memtable.FlushThresholdBytes = 1 << 20
	s := openStore(t, cfg)
	const n = 3000
	for i := range n {
		mustPut(t, s, key(i), "value")
	}
	require.NoError(t, s.Close())

	// the log holds far more than the sealed set can take at once
	cfg.DB.Memtable.FlushThresholdBytes = 2 << 10
	cfg.DB.Memtable.MaxImmTables = 1
	cfg.DB.Memtable.Backpressure = config.BackpressureReject
	s = openStore(t, cfg)
	defer s.Close()

	for _, i := range []int{0, n / 2, n - 1} {
		v, ok := mustGet(t, s, key(i))
		require.True(t, ok, "key %d lost on replay", i)
		assert.Equal(t, "value", v)
	}
	assert.Positive(t, s.Stats().Branches.Flushes)
}

func TestStore_SequenceContinuesAfterReopen(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	mustPut(t, s, "a", "1")
	require.NoError(t, s.Flush(ctx))
	last := s.Stats().LastSeq
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	defer s.Close()
	assert.Equal(t, last, s.Stats().LastSeq)

	// a newer write must shadow the flushed one
	mustPut(t, s, "a", "2")
	require.NoError(t, s.Flush(ctx))
	v, _ := mustGet(t, s, "a")
	assert.Equal(t, "2", v)
}

func TestStore_CrashRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Memtable.FlushThresholdBytes = 1 << 20
	s := openStore(t, cfg)
	defer s.Close()

	for i := range 200 {
		mustPut(t, s, key(i), strconv.Itoa(i))
	}

	// copying the directory of a live store stands in for a crash
	crashed := filepath.Join(t.TempDir(), "crashed")
	require.NoError(t, os.CopyFS(crashed, os.DirFS(cfg.DB.RootPath)))

	cfg.DB.RootPath = crashed
	recovered := openStore(t, cfg)
	defer recovered.Close()

	for i := range 200 {
		v, ok := mustGet(t, recovered, key(i))
		require.True(t, ok, key(i))
		assert.Equal(t, strconv.Itoa(i), v)
	}
}

func TestStore_ManyWritesFlushAndCompact(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Memtable.FlushThresholdBytes = 2 << 10
	cfg.DB.Compaction.Threshold = 3
	cfg.DB.Compaction.MaxFanIn = 3
	s := openStore(t, cfg)
	defer s.Close()
	ctx := context.Background()

	const n = 1000
	want := map[string]string{}
	for i := range n {
		k := key(i % 300)
		switch {
		case i%11 == 0:
			require.NoError(t, s.DeleteString(ctx, k))
			delete(want, k)
		default:
			v := "v" + strconv.Itoa(i)
			mustPut(t, s, k, v)
			want[k] = v
		}
	}
	require.NoError(t, s.Flush(ctx))

	check := func() {
		for i := range 300 {
			v, ok := mustGet(t, s, key(i))
			w, exists := want[key(i)]
			require.Equal(t, exists, ok, key(i))
			assert.Equal(t, w, v, key(i))
		}

		var keys []string
		require.NoError(t, s.Scan(ctx, slice.Null, slice.Null, func(k, v []byte) error {
			keys = append(keys, string(k))
			assert.Equal(t, want[string(k)], string(v))
			return nil
		}))
		assert.Len(t, keys, len(want))
		assert.IsIncreasing(t, keys)
	}
	check()

	require.NoError(t, s.Compact(ctx))
	st := s.Stats()
	assert.Equal(t, 1, st.Branches.Branches)
	assert.Equal(t, uint64(0), st.Branches.Tombstones)
	check()
}

func TestStore_ScanBounds(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	for i := range 10 {
		mustPut(t, s, key(i), "v")
	}
	require.NoError(t, s.Flush(ctx))
	mustPut(t, s, key(10), "v")
	require.NoError(t, s.DeleteString(ctx, key(4)))

	var got []string
	require.NoError(t, s.Scan(ctx, slice.FromString(key(3)), slice.FromString(key(7)), func(k, _ []byte) error {
		got = append(got, string(k))
		return nil
	}))
	assert.Equal(t, []string{key(3), key(5), key(6)}, got)

	got = nil
	require.NoError(t, s.Scan(ctx, slice.FromString(key(9)), slice.Null, func(k, _ []byte) error {
		got = append(got, string(k))
		return nil
	}))
	assert.Equal(t, []string{key(9), key(10)}, got)
}

func TestStore_WALSyncFailureIsSurfaced(t *testing.T) {
	ffs := vfs.NewFaultyFS(nil)
	s := openStore(t, testConfig(t), WithFileSystem(ffs))
	defer func() { _ = s.Close() }()

	mustPut(t, s, "ok", "1")

	ffs.AddRule(".wal", vfs.Fault{FailAfterBytes: -1, FailOnSync: true})
	err := s.PutString(context.Background(), "lost", "2")
	require.ErrorIs(t, err, dberrors.ErrIO)

	// nothing was applied
	_, ok := mustGet(t, s, "lost")
	assert.False(t, ok)
	v, ok := mustGet(t, s, "ok")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	// the log stays failed
	ffs.ClearRules()
	assert.ErrorIs(t, s.PutString(context.Background(), "later", "3"), dberrors.ErrIO)
}

func TestStore_RejectBackpressure(t *testing.T) {
	ffs := vfs.NewFaultyFS(nil)
	cfg := testConfig(t)
	cfg.DB.Memtable.FlushThresholdBytes = 256
	cfg.DB.Memtable.MaxImmTables = 1
	cfg.DB.Memtable.Backpressure = config.BackpressureReject
	s := openStore(t, cfg, WithFileSystem(ffs))
	defer s.Close()
	ctx := context.Background()

	// flushes cannot finish
	ffs.AddRule(".br", vfs.Fault{FailAfterBytes: -1, FailOnSync: true})

	var rejected error
	for i := range 1000 {
		if err := s.PutString(ctx, key(i), "value"); err != nil {
			rejected = err
			break
		}
	}
	require.ErrorIs(t, rejected, dberrors.ErrCapacityExceeded)

	ffs.ClearRules()
	require.Eventually(t, func() bool {
		return s.PutString(ctx, "after", "1") == nil
	}, timeout, tick)

	v, ok := mustGet(t, s, key(0))
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestStore_RelaxedDurability(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.WAL.Durability = config.DurabilityRelaxed
	s := openStore(t, cfg)
	defer s.Close()

	mustPut(t, s, "a", "1")
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.DurableSeq == st.LastSeq
	}, timeout, tick)

	mustPut(t, s, "b", "2")
	require.NoError(t, s.Sync())
	st := s.Stats()
	assert.Equal(t, st.LastSeq, st.DurableSeq)
}

func TestStore_PerfCounters(t *testing.T) {
	pc := perf.New(perf.Enabled)
	s := openStore(t, testConfig(t), WithPerf(pc))
	defer s.Close()
	ctx := context.Background()

	mustPut(t, s, "a", "1")
	require.NoError(t, s.Flush(ctx))
	mustGet(t, s, "a")

	c := pc.Snapshot()
	assert.NotZero(t, c.Get(perf.WALWrite))
	assert.NotZero(t, c.Get(perf.MemtableWrite))
	assert.NotZero(t, c.Get(perf.MemtableGet))
	assert.NotZero(t, c.Get(perf.FilterIndexLookup))

	pc.Reset()
	pc.SetLevel(perf.Disabled)
	mustPut(t, s, "b", "2")
	mustGet(t, s, "b")
	assert.Equal(t, perf.Counters{}, pc.Snapshot())
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, testConfig(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.PutString(ctx, "a", "1"), dberrors.ErrClosed)
	_, err := s.Get(ctx, slice.FromString("a"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Flush(ctx), dberrors.ErrClosed)
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Memtable.FlushThresholdBytes = 1 << 10
	cfg.DB.Compaction.Threshold = 2
	s := openStore(t, cfg)
	defer s.Close()
	ctx := context.Background()

	const writers, perWriter = 4, 200
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				k := key(w*perWriter + i)
				if !assert.NoError(t, s.PutString(ctx, k, k)) {
					return
				}
				v, ok, err := s.GetString(ctx, k)
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, ok, k)
				assert.Equal(t, k, v)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.Flush(ctx))
	for i := range writers * perWriter {
		v, ok := mustGet(t, s, key(i))
		require.True(t, ok, key(i))
		assert.Equal(t, key(i), v)
	}
}
