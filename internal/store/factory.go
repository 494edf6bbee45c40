package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/contexthub-ai/contexthub/internal/config"
)

// Open creates a Store for the backend named by DATABASE_URL. The scheme picks
// the driver; everything after it is handed to the driver in its native form.
func Open(cfg config.StorageConfig) (Store, error) {
	raw := strings.TrimSpace(cfg.DatabaseURL)
	switch {
	case raw == "" || raw == ":memory:":
		return openSQLite(":memory:", cfg)
	case strings.HasPrefix(raw, "sqlite+file:"):
		return openSQLite(strings.TrimPrefix(raw, "sqlite+file:"), cfg)
	case strings.HasPrefix(raw, "sqlite://"):
		return openSQLite(strings.TrimPrefix(raw, "sqlite://"), cfg)
	case strings.HasPrefix(raw, "sqlite:"):
		return openSQLite(strings.TrimPrefix(raw, "sqlite:"), cfg)
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return openPostgres(raw, cfg)
	case strings.HasPrefix(raw, "mysql://"):
		dsn, err := mysqlDSN(raw)
		if err != nil {
			return nil, err
		}
		return openMySQL(dsn, cfg)
	case strings.Contains(raw, "://"):
		return nil, fmt.Errorf("unsupported database URL scheme: %q", raw)
	default:
		// Bare path, e.g. "./context.db".
		return openSQLite(raw, cfg)
	}
}

// mysqlDSN translates a mysql:// URL into the go-sql-driver DSN form
// user:pass@tcp(host:port)/dbname?params.
func mysqlDSN(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":3306"
	}
	creds := ""
	if u.User != nil {
		creds = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			creds += ":" + pw
		}
		creds += "@"
	}
	q := u.Query()
	q.Set("parseTime", "true")
	return fmt.Sprintf("%stcp(%s)%s?%s", creds, host, u.Path, q.Encode()), nil
}
