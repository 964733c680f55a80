package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/logger"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Open connects to the store named by cfg.DSN. DSNs starting with "sqlite:" or
// "file:" open an embedded SQLite database; anything else is handed to lib/pq.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database: empty DSN")
	}

	driverName, dsn := "postgres", cfg.DSN
	if IsSQLiteDSN(cfg.DSN) {
		driverName, dsn = sqliteshim.ShimName, strings.TrimPrefix(cfg.DSN, "sqlite:")
	}

	attempts := cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		sqldb *sql.DB
		err   error
	)
	for i := 0; i < attempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Connecting to %s (attempt %d/%d)", driverName, i+1, attempts))
		sqldb, err = sql.Open(driverName, dsn)
		if err == nil {
			err = sqldb.PingContext(ctx)
			if err == nil {
				break
			}
			_ = sqldb.Close()
		}

		log.Error("DATABASE", fmt.Sprintf("Connection failed: %v", err))
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
		}
	}
	if err != nil {
		return nil, Translate(fmt.Errorf("connect after %d attempts: %w", attempts, err))
	}

	if driverName == sqliteshim.ShimName {
		// One connection keeps in-memory databases shared and serializes writers.
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)
		sqldb.SetConnMaxLifetime(0)
		log.Info("DATABASE", "SQLite connection ready")
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}

	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	log.Info("DATABASE", "PostgreSQL connection ready")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

func IsSQLiteDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "sqlite:") || strings.HasPrefix(dsn, "file:")
}

// IsPostgres reports whether db talks to PostgreSQL. Stores use it to gate
// PostgreSQL-only statements such as advisory locks.
func IsPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}
