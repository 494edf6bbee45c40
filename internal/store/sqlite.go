package store

import (
	"database/sql"
	"fmt"

	"github.com/contexthub-ai/contexthub/internal/config"
	_ "modernc.org/sqlite"
)

// openSQLite opens (or creates) a SQLite database and runs migrations.
func openSQLite(path string, cfg config.StorageConfig) (*SQLStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if path == ":memory:" {
		path = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := runMigrations(db, dialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLStore(db, dialectSQLite), nil
}
