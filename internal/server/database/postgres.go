package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all Postgres migrations in order.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_settings",
		SQL: `
			CREATE TABLE IF NOT EXISTS settings (
				id                          INTEGER      PRIMARY KEY CHECK (id = 1),
				max_file_size               BIGINT       NOT NULL,
				max_admin_file_size         BIGINT       NOT NULL,
				allowed_file_types          TEXT[]       NOT NULL,
				default_expiration          VARCHAR(16)  NOT NULL,
				approval_required           BOOLEAN      NOT NULL DEFAULT TRUE,
				approval_expiration_hours   INTEGER      NOT NULL DEFAULT 72,
				max_storage_per_user        BIGINT       NOT NULL,
				min_password_length         INTEGER      NOT NULL DEFAULT 8,
				require_email_verification  BOOLEAN      NOT NULL DEFAULT TRUE,
				max_login_attempts          INTEGER      NOT NULL DEFAULT 5,
				updated_at                  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CHECK (max_file_size <= max_admin_file_size)
			);
		`,
	},
	{
		Version: "000002_create_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id                   VARCHAR(36)  PRIMARY KEY,
				email                VARCHAR(255) NOT NULL UNIQUE,
				is_admin             BOOLEAN      NOT NULL DEFAULT FALSE,
				is_approved          BOOLEAN      NOT NULL DEFAULT FALSE,
				approval_expires_at  TIMESTAMPTZ,
				created_at           TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_users_pending
				ON users(approval_expires_at) WHERE is_approved = FALSE;
		`,
	},
	{
		Version: "000003_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id              VARCHAR(36)  PRIMARY KEY,
				share_code      VARCHAR(16)  NOT NULL,
				original_name   VARCHAR(255) NOT NULL,
				custom_name     VARCHAR(255) NOT NULL,
				storage_name    VARCHAR(96)  NOT NULL,
				size            BIGINT       NOT NULL,
				mime_type       VARCHAR(255) NOT NULL,
				owner_id        VARCHAR(36)  NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				password_hash   VARCHAR(255),
				expires_at      TIMESTAMPTZ,
				download_count  BIGINT       NOT NULL DEFAULT 0,
				metadata        JSONB        NOT NULL DEFAULT '{"kind":"none"}',
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CONSTRAINT files_share_code_key UNIQUE (share_code),
				CONSTRAINT files_storage_name_key UNIQUE (storage_name)
			);
			CREATE INDEX IF NOT EXISTS idx_files_owner_id ON files(owner_id);
			CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "driver", "postgres", "max_conns", config.MaxConns)
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
