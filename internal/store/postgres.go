package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/contexthub-ai/contexthub/internal/config"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// openPostgres opens a PostgreSQL database and runs migrations.
func openPostgres(dsn string, cfg config.StorageConfig) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db, dialectPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLStore(db, dialectPostgres), nil
}
