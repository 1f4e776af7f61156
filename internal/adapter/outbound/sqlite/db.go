// Package sqlite provides the SQLite-backed stores for agents, policies,
// rules, mandates, kills, and the audit log.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the connection pool shared by all sqlite stores.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the database at path and ensures the
// schema. Accepts plain paths, ":memory:", and sqlite:// URLs.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimPrefix(path, "sqlite://")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection prevents SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DB{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path, "journal_mode", "WAL")
	return s, nil
}

func (s *DB) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// Ping verifies connectivity for health reporting.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats exposes pool statistics for the health endpoint.
func (s *DB) Stats() sql.DBStats {
	return s.db.Stats()
}

// MaxConnections reports the configured pool ceiling.
func (s *DB) MaxConnections() int { return 1 }

// Close closes the underlying pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// begin starts a write transaction. The pool is capped at one connection, so
// transactions run fully serialised and the deferred BEGIN never needs a
// mid-transaction lock upgrade.
func (s *DB) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// isUniqueViolation reports whether the error is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
