/*
Package sqlite provides a SQLite-backed implementation of settlement.TxStore.

PURPOSE:
  Persists settlements, line items, approvals and run records, and reads the
  externally-owned master and activity tables. In production the same
  patterns apply to PostgreSQL with minor dialect changes.

KEY TABLES:
  settlements:           one row per settlement (no physical deletes)
  settlement_loads:      per-load pay audit trail, also the load "claim"
  settlement_deductions: line items with a typed (source_kind, source_id)
  settlement_approvals:  append-only workflow audit trail
  deduction_rules:       rule templates with current_amount/version
  generation_runs:       batch run records

UNIQUENESS:
  idx_settlements_live_driver_period is a partial unique index over
  (driver_id, period_start, period_end) for rows not CANCELLED/REJECTED.
  A violation surfaces as settlement.ErrStorageConflict.

CONCURRENCY:
  The pool is limited to one connection, so ":memory:" databases are
  shared and transactions serialize. WithTx additionally holds a mutex.
  Inside WithTx, callers MUST use the Store passed to the callback.

USAGE:
  store, err := sqlite.New("./data/settlements.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/store.go: interface definitions
  - settlement/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// timestampLayout is fixed-width so TEXT comparison matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements settlement.Store over a querier.
type queries struct {
	q querier
}

// Store implements settlement.TxStore and settlement.Seeder using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var (
	_ settlement.TxStore = (*Store)(nil)
	_ settlement.Seeder  = (*Store)(nil)
	_ settlement.Store   = (*queries)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{queries: &queries{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Reset wipes every table.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st settlement.Store) error {
		q := st.(*queries)
		for _, table := range resetTables {
			if _, err := q.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError turns SQLite uniqueness violations into ErrStorageConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", settlement.ErrStorageConflict, err)
	}
	return err
}

func formatDay(t time.Time) string { return t.UTC().Format(settlement.DateLayout) }

func formatTime(t time.Time) string { return t.UTC().Format(timestampLayout) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(settlement.DateLayout, s)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timestampLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n args.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// liveStatuses is the SQL predicate for settlements that claim activity.
const liveStatuses = "status NOT IN ('CANCELLED', 'REJECTED')"
