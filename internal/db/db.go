// Package db wraps the sqlite persistence layer: per-vehicle estimator
// snapshots and the append-only fuel event log.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// New opens (creating if needed) the sqlite database at path. Schema is
// managed by the migrations in migrations/; call MigrateUp before use.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// The pipeline's shard workers share one connection pool; WAL keeps
	// snapshot overwrites from blocking event-log reads.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{sqlDB}, nil
}
