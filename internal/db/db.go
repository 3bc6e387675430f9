// Package db opens the bun database shared by the document repository and the
// pgvector store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	_ "modernc.org/sqlite"

	"knowledge-rag/internal/config"
)

// Open connects using the configured driver and wraps the pool in bun.
func Open(cfg config.DatabaseConfig) (*bun.DB, error) {
	sqldb, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	return NewDB(sqldb, cfg), nil
}

// Connect returns the raw pool. "pgdriver" uses bun's native postgres driver,
// "pq" uses lib/pq and "sqlite" the pure Go modernc driver.
func Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(postgresDSN(cfg.DSN))}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	case "pq":
		sqldb, err := sql.Open("postgres", postgresDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return sqldb, nil
	case "sqlite", "":
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite allows one writer; an in-memory database also lives on a single connection.
		sqldb.SetMaxOpenConns(1)
		return sqldb, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewDB picks the dialect matching the driver and installs the debug hook.
func NewDB(sqldb *sql.DB, cfg config.DatabaseConfig) *bun.DB {
	var db *bun.DB
	if IsPostgres(cfg.Driver) {
		db = bun.NewDB(sqldb, pgdialect.New())
	} else {
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func IsPostgres(driver string) bool {
	return driver == "pgdriver" || driver == "pq"
}

// Ping verifies the connection.
func Ping(ctx context.Context, db *bun.DB) error {
	return db.PingContext(ctx)
}

// postgresDSN disables TLS unless the DSN picks a sslmode itself. URL DSNs
// get a query parameter and key=value DSNs another pair.
func postgresDSN(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return strings.TrimSpace(dsn) + " sslmode=disable"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "sslmode=disable"
}
