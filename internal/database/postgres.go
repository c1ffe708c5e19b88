// Package database is the storage adapter over Postgres. Every accessor is
// typed per entity; SQL lives here and nowhere else. Filter and sort inputs
// come from closed whitelists, never from caller strings.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/lenshq/backend/internal/config"
)

// Store wraps the shared connection pool. One Store serves the whole
// process; it is safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open connects, verifies the connection, and applies pool limits.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database: url not configured")
	}
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetimeDuration())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports storage reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translate("database.Ping", err)
	}
	return nil
}

// InitSchema applies the embedded DDL. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return translate("database.InitSchema", err)
	}
	return nil
}

// requiredTables is what a migrated schema must contain. VerifySchema
// checks presence only; column drift surfaces as query errors.
var requiredTables = []string{
	"projects",
	"sessions",
	"error_groups",
	"error_group_users",
	"errors",
	"session_events",
	"network_events",
	"error_statistics",
	"device_analytics",
	"idempotency_keys",
	"webhook_endpoints",
}

// VerifySchema returns the required tables missing from the connected
// database. An empty slice means the schema is in place.
func (s *Store) VerifySchema(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public'`)
	if err != nil {
		return nil, translate("database.VerifySchema", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, translate("database.VerifySchema", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, translate("database.VerifySchema", err)
	}

	var missing []string
	for _, t := range requiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// InTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translate("database.InTx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate("database.InTx.commit", err)
	}
	return nil
}
