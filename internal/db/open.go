package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/db/dialect"
)

// Open builds the connection pool described by cfg.
//
// For sqlite it pairs a single-connection writer with a read-only reader
// pool (WAL lets them proceed concurrently). For postgres both sides share
// one pgx-backed pool. The returned cleanup closes every connection.
func Open(cfg *config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		writerRaw, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerRaw, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerRaw.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := NewPool(sqlx.NewDb(writerRaw, dialect.SQLite3), sqlx.NewDb(readerRaw, dialect.SQLite3))
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Driver),
				zap.String("db_path", cfg.Path))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats - lightweight and safe to call on every close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		both := sqlx.NewDb(raw, dialect.PGX)
		pool := NewPool(both, both)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Driver),
				zap.String("db_host", cfg.Host),
				zap.String("db_name", cfg.DBName))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
