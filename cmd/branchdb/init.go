package main

import (
	"log/slog"
	"os"

	"branchdb/pkg/config"
	"branchdb/pkg/perf"
	"branchdb/pkg/store"
)

// initConfig loads the YAML config at path and applies command-line overrides.
func initConfig(path, root string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if root != "" {
		cfg.DB.RootPath = root
	}
	return cfg, cfg.Validate()
}

// initLogger installs the configured slog.Logger as the default one.
func initLogger(cfg *config.Config) *slog.Logger {
	logger := config.NewLogger(cfg.Logger, os.Stderr)
	slog.SetDefault(logger)
	logger.Debug("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}

func openStore(cfg config.Config, logger *slog.Logger) (*store.Store, *perf.Context, error) {
	pc := perf.New(perf.Disabled)
	s, err := store.Open(cfg, store.WithLogger(logger), store.WithPerf(pc))
	if err != nil {
		return nil, nil, err
	}
	return s, pc, nil
}
