// Package badgerstore provides an opt-in durable snapshot of job, workflow,
// and file identity on top of BadgerDB, so a process restart doesn't lose
// those records (a job that was RUNNING at shutdown is replayed as FAILED).
// It never sits on the hot path of the scheduler's
// admission gates - the in-memory stores in internal/store remain the
// source of truth while the process is alive; this package only persists
// and replays snapshots.
package badgerstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/brightloom/tilesched/internal/common"
)

// DB wraps a BadgerDB connection opened through badgerhold.
type DB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// Open opens (creating if necessary) the badger database described by cfg.
func Open(cfg common.BadgerConfig, logger arbor.ILogger) (*DB, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("Deleting existing snapshot database (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("Failed to delete snapshot database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	logger.Debug().Str("path", cfg.Path).Msg("Snapshot database initialized")

	return &DB{store: store, logger: logger}, nil
}

// Store returns the underlying badgerhold store for snapshot readers/writers.
func (d *DB) Store() *badgerhold.Store {
	return d.store
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
