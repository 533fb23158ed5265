package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the shared postgres handle. All repos hang off it and
// inherit the query timeout; processID stamps claim leases.
type Store struct {
	db        *sqlx.DB
	timeout   time.Duration
	processID string
}

// Open connects, pings, and applies the idempotent schema.
func Open(ctx context.Context, dsn string, timeout time.Duration, maxOpenConns int, processID string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, timeout: timeout, processID: processID}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// ProcessID is the lease owner tag for this process.
func (s *Store) ProcessID() string { return s.processID }

// DB exposes the handle for repos in this package and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
