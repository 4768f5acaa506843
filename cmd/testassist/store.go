package main

import (
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/adapters/storage/memory"
	"exploratory-testing-support/internal/adapters/storage/sqlite"
	cfgpkg "exploratory-testing-support/internal/infrastructure/config"
	"exploratory-testing-support/internal/usecase"
)

type closableStore interface {
	usecase.SharedStore
	Close() error
}

// openStore picks the SQLite file when configured. Only the file store is
// shared between processes.
func openStore(cfg cfgpkg.Config, logger *zerolog.Logger) (closableStore, error) {
	if cfg.StorePath == "" {
		logger.Warn().Msg("no STORE_PATH, using in-memory store; agents in other processes will not see it")
		return memory.NewStore(), nil
	}
	return sqlite.Open(cfg.StorePath, cfg.StorePollInterval(), logger)
}
