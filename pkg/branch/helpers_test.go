package branch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"branchdb/internal/vfs"
	"branchdb/pkg/aio"
	"branchdb/pkg/cache"
	"branchdb/pkg/compression"
	"branchdb/pkg/config"
	"branchdb/pkg/memtable"
	"branchdb/pkg/types"
)

func put(key, value string, seq types.SeqN) types.Record {
	return types.Record{Key: []byte(key), Value: []byte(value), Seq: seq, Kind: types.KindPut}
}

func del(key string, seq types.SeqN) types.Record {
	return types.Record{Key: []byte(key), Seq: seq, Kind: types.KindDelete}
}

func key(i int) string {
	return fmt.Sprintf("key-%05d", i)
}

func newTestCache(t *testing.T, capacity int) *cache.Cache {
	t.Helper()
	q := aio.NewQueue(2, 32, nil)
	t.Cleanup(q.Close)
	return cache.New(capacity, q, nil)
}

// buildBranch writes recs, which must be sorted by key, as branch id.
func buildBranch(t *testing.T, dir string, id types.BranchID, codec compression.Codec, pageSize int, recs ...types.Record) {
	t.Helper()
	bld, err := NewBuilder(dir, id, BuilderOptions{
		PageSize:     pageSize,
		Codec:        codec,
		BloomFPRate:  0.01,
		ExpectedKeys: len(recs),
	})
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, bld.Add(context.Background(), r))
	}
	_, err = bld.Finish(context.Background())
	require.NoError(t, err)
}

func table(recs ...types.Record) *memtable.Table {
	tbl := memtable.NewTable(1)
	for _, r := range recs {
		tbl.Put(r)
	}
	return tbl
}

func testOptions(c *cache.Cache, fs vfs.FileSystem) Options {
	return Options{
		FS:    fs,
		Cache: c,
		Branch: config.BranchConfig{
			PageSize:    256,
			Compression: config.CodecZstd,
			BloomFPRate: 0.01,
		},
		Compaction: config.CompactionConfig{
			Threshold:         8,
			MaxFanIn:          4,
			MaxBackgroundJobs: 2,
		},
	}
}

func openManager(t *testing.T, dir string, opts Options) *Manager {
	t.Helper()
	m, err := OpenManager(context.Background(), dir, opts)
	require.NoError(t, err)
	return m
}
