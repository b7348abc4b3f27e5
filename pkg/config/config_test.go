package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackpressureBlock, cfg.Memtable.Backpressure)
	assert.Equal(t, DurabilitySync, cfg.WAL.Durability)
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: debug
  json: true
db:
  path: /var/lib/branchdb
  wal:
    durability: relaxed
    sync_interval: 25ms
  memtable:
    backpressure: reject
  branch:
    compression: lz4
  compaction:
    bytes_per_sec: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, "/var/lib/branchdb", cfg.RootPath)
	assert.Equal(t, DurabilityRelaxed, cfg.WAL.Durability)
	assert.Equal(t, 25*time.Millisecond, cfg.WAL.SyncInterval)
	assert.Equal(t, BackpressureReject, cfg.Memtable.Backpressure)
	assert.Equal(t, CodecLZ4, cfg.Branch.Compression)
	assert.Equal(t, 1<<20, cfg.Compaction.BytesPerSec)

	// untouched fields keep their defaults
	def := Default()
	assert.Equal(t, def.Branch.PageSize, cfg.Branch.PageSize)
	assert.Equal(t, def.Cache.Capacity, cfg.Cache.Capacity)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  memtable:\n    backpressure: spill\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressure")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logger.Level = "trace" }, "logger.level"},
		{"no path", func(c *Config) { c.RootPath = "" }, "db.path"},
		{"bad codec", func(c *Config) { c.Branch.Compression = "snappy" }, "compression"},
		{"fp rate", func(c *Config) { c.Branch.BloomFPRate = 1 }, "bloom_fp_rate"},
		{"fan in", func(c *Config) { c.Compaction.MaxFanIn = 1 }, "max_fan_in"},
		{"workers", func(c *Config) { c.IO.Workers = 0 }, "db.io.workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(LoggerConfig{Level: "warn", JSON: true}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}
