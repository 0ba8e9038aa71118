// Package database opens the attendance database and owns its schema.
//
// SQLite (modernc.org/sqlite) is the default embedded store. PostgreSQL and
// MySQL/MariaDB are supported for deployments where several stations share one
// attendance record. All three enforce UNIQUE (session_id, name) on attendance.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DB wraps a connection pool together with the SQL dialect it speaks.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := dataSourceName(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", cfg.Driver, err)
	}

	db := &DB{db: sqlDB, dialect: dialect}
	if err := db.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logging.Component("database").WithField("driver", cfg.Driver).Debug("Database ready")
	return db, nil
}

func dataSourceName(cfg config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		if cfg.Path == "" {
			return "", errors.New("sqlite database path is required")
		}
		return SQLiteDSN(cfg.Path), nil
	case config.DriverMySQL:
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.MultiStatements = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	default:
		if cfg.DSN == "" {
			return "", fmt.Errorf("%s database dsn is required", cfg.Driver)
		}
		return cfg.DSN, nil
	}
}

// SQLiteDSN builds a modernc.org/sqlite DSN for path with foreign keys, WAL
// journaling and a busy timeout enabled on every pooled connection.
func SQLiteDSN(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_time_format=sqlite",
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SQL exposes the connection pool for repositories in other packages.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Dialect returns the SQL dialect of the connection.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
