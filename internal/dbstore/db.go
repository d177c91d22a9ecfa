// Package dbstore is the durable (relational) mirror of orders, users, wallet
// transactions, and rejection records, backed by PostgreSQL via sqlx.
//
// The cache is the real-time source of truth; this store is the audit-grade,
// eventually-consistent mirror. Every write path touching a user's wallet or
// aggregate margin takes a row lock (SELECT ... FOR UPDATE) inside a READ
// COMMITTED transaction, and every transaction runs under the deadlock retry
// combinator in retry.go.
package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps the database handle with the core's queries.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects and configures the pool.
func Open(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	return &Store{db: db, logger: logger.With("component", "dbstore")}, nil
}

// NewStore wraps an existing handle (tests).
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "dbstore")}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// begin opens a READ COMMITTED transaction. All wallet/margin writes go
// through here; READ COMMITTED plus explicit row locks is the concurrency
// model for the durable store.
func (s *Store) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}
