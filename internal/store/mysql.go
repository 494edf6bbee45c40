package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/contexthub-ai/contexthub/internal/config"
	_ "github.com/go-sql-driver/mysql"
)

// openMySQL opens a MySQL database and runs migrations. The DSN is the
// go-sql-driver form produced by mysqlDSN.
func openMySQL(dsn string, cfg config.StorageConfig) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db, dialectMySQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLStore(db, dialectMySQL), nil
}
