package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root of the engine configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Perf   PerfConfig   `yaml:"perf"`
	DB     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PerfConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DB struct {
	RootPath   string           `yaml:"path"`
	WAL        WALConfig        `yaml:"wal"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	Branch     BranchConfig     `yaml:"branch"`
	Compaction CompactionConfig `yaml:"compaction"`
	Cache      CacheConfig      `yaml:"cache"`
	IO         IOConfig         `yaml:"io"`
}

// Durability selects when a Put is acknowledged.
type Durability string

const (
	// DurabilitySync acknowledges after the WAL record is fsynced.
	DurabilitySync Durability = "sync"
	// DurabilityRelaxed acknowledges after the memtable insert; the WAL is synced periodically.
	DurabilityRelaxed Durability = "relaxed"
)

type WALConfig struct {
	Durability   Durability    `yaml:"durability"`
	SegmentSize  int64         `yaml:"segment_size"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// Backpressure selects what a writer does when too many sealed memtables wait for flush.
type Backpressure string

const (
	BackpressureBlock  Backpressure = "block"
	BackpressureReject Backpressure = "reject"
)

type MemtableConfig struct {
	FlushThresholdBytes int          `yaml:"flush_threshold"`
	MaxImmTables        int          `yaml:"max_imm_tables"`
	Backpressure        Backpressure `yaml:"backpressure"`
}

// Codec names a page compression codec.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

type BranchConfig struct {
	PageSize    int     `yaml:"page_size"`
	Compression Codec   `yaml:"compression"`
	BloomFPRate float64 `yaml:"bloom_fp_rate"`
}

type CompactionConfig struct {
	// Threshold is the branch count above which a compaction is scheduled.
	Threshold int `yaml:"threshold"`
	MaxFanIn  int `yaml:"max_fan_in"`
	// BytesPerSec throttles compaction writes. Zero disables throttling.
	BytesPerSec       int `yaml:"bytes_per_sec"`
	MaxBackgroundJobs int `yaml:"max_background_jobs"`
}

type CacheConfig struct {
	// Capacity in pages.
	Capacity int `yaml:"capacity"`
}

type IOConfig struct {
	Workers     int `yaml:"workers"`
	QueueDepth  int `yaml:"queue_depth"`
	ReadRetries int `yaml:"read_retries"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: DB{
			RootPath: "./data",
			WAL: WALConfig{
				Durability:   DurabilitySync,
				SegmentSize:  4 << 20,
				SyncInterval: 10 * time.Millisecond,
			},
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				MaxImmTables:        2,
				Backpressure:        BackpressureBlock,
			},
			Branch: BranchConfig{
				PageSize:    4096,
				Compression: CodecZstd,
				BloomFPRate: 0.01,
			},
			Compaction: CompactionConfig{
				Threshold:         4,
				MaxFanIn:          4,
				MaxBackgroundJobs: 2,
			},
			Cache: CacheConfig{
				Capacity: 1024,
			},
			IO: IOConfig{
				Workers:     4,
				QueueDepth:  64,
				ReadRetries: 1,
			},
		},
	}
}

// Validate checks ranges and enum values.
func (c *Config) Validate() error {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		fail("logger.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logger.Level)
	}
	if c.RootPath == "" {
		fail("db.path is required")
	}
	switch c.WAL.Durability {
	case DurabilitySync, DurabilityRelaxed:
	default:
		fail("db.wal.durability %q is not one of sync, relaxed", c.WAL.Durability)
	}
	if c.WAL.SegmentSize <= 0 {
		fail("db.wal.segment_size must be positive")
	}
	if c.WAL.Durability == DurabilityRelaxed && c.WAL.SyncInterval <= 0 {
		fail("db.wal.sync_interval must be positive in relaxed mode")
	}
	if c.Memtable.FlushThresholdBytes <= 0 {
		fail("db.memtable.flush_threshold must be positive")
	}
	if c.Memtable.MaxImmTables < 1 {
		fail("db.memtable.max_imm_tables must be at least 1")
	}
	switch c.Memtable.Backpressure {
	case BackpressureBlock, BackpressureReject:
	default:
		fail("db.memtable.backpressure %q is not one of block, reject", c.Memtable.Backpressure)
	}
	if c.Branch.PageSize < 64 {
		fail("db.branch.page_size must be at least 64")
	}
	switch c.Branch.Compression {
	case CodecNone, CodecZstd, CodecLZ4:
	default:
		fail("db.branch.compression %q is not one of none, zstd, lz4", c.Branch.Compression)
	}
	if c.Branch.BloomFPRate <= 0 || c.Branch.BloomFPRate >= 1 {
		fail("db.branch.bloom_fp_rate must be in (0, 1)")
	}
	if c.Compaction.Threshold < 1 {
		fail("db.compaction.threshold must be at least 1")
	}
	if c.Compaction.MaxFanIn < 2 {
		fail("db.compaction.max_fan_in must be at least 2")
	}
	if c.Compaction.BytesPerSec < 0 {
		fail("db.compaction.bytes_per_sec must not be negative")
	}
	if c.Compaction.MaxBackgroundJobs < 1 {
		fail("db.compaction.max_background_jobs must be at least 1")
	}
	if c.Cache.Capacity < 1 {
		fail("db.cache.capacity must be at least 1")
	}
	if c.IO.Workers < 1 {
		fail("db.io.workers must be at least 1")
	}
	if c.IO.QueueDepth < 1 {
		fail("db.io.queue_depth must be at least 1")
	}
	if c.IO.ReadRetries < 0 {
		fail("db.io.read_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
