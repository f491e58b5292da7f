package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/pkg/logger"
)

// DBConfig contains database configuration
type DBConfig struct {
	MaxOpenConns       int
	ConnAcquireTimeout time.Duration
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	HealthCheckPeriod  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenConns:       25,
		ConnAcquireTimeout: 5 * time.Second,
		ConnMaxLifetime:    1 * time.Hour,
		ConnMaxIdleTime:    5 * time.Minute,
		HealthCheckPeriod:  30 * time.Second,
	}
}

// DB wraps the pgxpool.Pool with additional configuration and helper methods
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool with configured limits
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}

	config.MaxConns = int32(dbConfig.MaxOpenConns)
	config.MaxConnLifetime = dbConfig.ConnMaxLifetime
	config.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	config.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// EnsureSchema creates the call archive table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_logs (
			owner_uid          STRING NOT NULL,
			log_id             STRING NOT NULL,
			partner_uid        STRING NOT NULL,
			partner_name       STRING NOT NULL DEFAULT '',
			partner_avatar_url STRING NOT NULL DEFAULT '',
			call_type          STRING NOT NULL,
			direction          STRING NOT NULL,
			started_at_ms      INT8 NOT NULL,
			duration_seconds   INT8,
			PRIMARY KEY (owner_uid, log_id)
		)
	`
	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure call_logs schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
	return nil
}

// GetPool returns the underlying pgxpool.Pool for direct access if needed
func (db *DB) GetPool() *pgxpool.Pool {
	return db.Pool
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
