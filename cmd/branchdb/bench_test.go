package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
)

func TestBenchArgs(t *testing.T) {
	ops, workers, err := benchArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, 10000, ops)
	assert.Equal(t, 8, workers)

	ops, workers, err = benchArgs([]string{"50", "3"})
	require.NoError(t, err)
	assert.Equal(t, 50, ops)
	assert.Equal(t, 3, workers)

	_, _, err = benchArgs([]string{"0"})
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestMeasure_SplitsOps(t *testing.T) {
	seen := make([]int, 3)
	res := measure(10, 3, func(worker, i int) error {
		seen[worker]++ // each worker only touches its own slot
		if worker == 0 && i == 0 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, []int{4, 3, 3}, seen)
	assert.Equal(t, 10, res.TotalOps)
	assert.Equal(t, 9, res.SuccessfulOps)
	assert.Equal(t, 1, res.FailedOps)
	assert.LessOrEqual(t, res.MinLatency, res.AvgLatency)
	assert.LessOrEqual(t, res.AvgLatency, res.MaxLatency)
}

func TestCompareCodecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("branchdb page "), 1000), 0o600))

	require.NoError(t, compareCodecs(path, 512))

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.ErrorIs(t, compareCodecs(empty, 512), dberrors.ErrInvalidArgument)
}

func TestRun_Commands(t *testing.T) {
	cfg, err := initConfig(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir())
	require.NoError(t, err)
	cfg.Logger.Level = "ERROR"
	logger := config.NewLogger(cfg.Logger, os.Stderr)

	s, _, err := openStore(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, run(ctx, s, []string{"put", "a", "1"}))
	require.NoError(t, run(ctx, s, []string{"get", "a"}))
	require.NoError(t, run(ctx, s, []string{"delete", "a"}))
	assert.ErrorIs(t, run(ctx, s, []string{"get", "a"}), dberrors.ErrNotFound)
	require.NoError(t, run(ctx, s, []string{"compact"}))
	require.NoError(t, run(ctx, s, []string{"bench", "20", "2"}))
	require.NoError(t, run(ctx, s, []string{"scan"}))

	assert.ErrorIs(t, run(ctx, s, []string{"put", "a"}), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, run(ctx, s, []string{"nope"}), dberrors.ErrInvalidArgument)
}
