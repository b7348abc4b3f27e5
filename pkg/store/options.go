package store

import (
	"log/slog"

	"branchdb/internal/vfs"
	"branchdb/pkg/perf"
)

type options struct {
	logger *slog.Logger
	perf   *perf.Context
	fs     vfs.FileSystem
}

// Option customizes Open.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPerf sets the performance counter context. The default is the shared
// process-wide context.
func WithPerf(pc *perf.Context) Option {
	return func(o *options) {
		o.perf = pc
	}
}

// WithFileSystem replaces the local file system, mainly for fault injection in tests.
func WithFileSystem(fs vfs.FileSystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}
