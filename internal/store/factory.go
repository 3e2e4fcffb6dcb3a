package store

import (
	"fmt"

	"github.com/dentaflow/sync-agent/internal/config"
)

// NewStore creates a Store based on the configured storage backend.
//
// For the file backend, collections are stored as JSON documents under the
// configured data directory. For the sqlite backend, all collections share
// one embedded database file.
func NewStore(cfg *config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StorageBackendSQLite:
		return NewSQLiteStore(cfg.Path, cfg.QuotaBytes)
	case config.StorageBackendFile:
		return NewFileStore(cfg.Path, cfg.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
