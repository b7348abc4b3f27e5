package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"branchdb/pkg/config"
)

const (
	timeout = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(t testing.TB) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DB.RootPath = t.TempDir()
	cfg.DB.Memtable.FlushThresholdBytes = 4 << 10
	cfg.DB.Branch.PageSize = 512
	cfg.DB.Cache.Capacity = 64
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t testing.TB, cfg config.Config, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Open(cfg, opts...)
	require.NoError(t, err)
	return s
}

func mustPut(t testing.TB, s *Store, key, value string) {
	t.Helper()
	require.NoError(t, s.PutString(context.Background(), key, value))
}

func mustGet(t testing.TB, s *Store, key string) (string, bool) {
	t.Helper()
	v, ok, err := s.GetString(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

func key(i int) string {
	return fmt.Sprintf("key-%05d", i)
}
