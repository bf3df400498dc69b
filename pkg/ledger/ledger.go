// Package ledger is the single source of truth for historical state: it
// persists transactions, events, rules, rule evaluations, spending records
// and approval requests behind narrow typed operations.
//
// The default engine is embedded SQLite (modernc.org/sqlite); PostgreSQL is
// supported through lib/pq with the same schema, selected by driver name.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names a supported storage engine.
type Driver string

// DriverSQLite and DriverPostgres are the supported storage engines.
const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Store exposes the typed ledger operations. Multi-reader, single-writer
// through the engine's transactions.
type Store struct {
	db     *sql.DB
	driver Driver
	clock  func() time.Time
}

// Open opens (creating if necessary) the ledger database and runs migration.
func Open(driver Driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer; avoids SQLITE_BUSY under concurrent submissions.
		db.SetMaxOpenConns(1)
	}
	return New(db, driver)
}

// New wraps an existing handle and runs migration.
func New(db *sql.DB, driver Driver) (*Store, error) {
	s := &Store{db: db, driver: driver, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transactions (
			id %s,
			correlation_id TEXT NOT NULL UNIQUE,
			hash TEXT UNIQUE,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			value_wei TEXT NOT NULL,
			token_contract TEXT,
			token_amount TEXT,
			note TEXT NOT NULL DEFAULT '',
			gas_limit BIGINT NOT NULL DEFAULT 0,
			gas_price_wei TEXT NOT NULL DEFAULT '0',
			gas_used BIGINT,
			block_number BIGINT,
			status TEXT NOT NULL,
			principal TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_ns BIGINT NOT NULL,
			updated_ns BIGINT NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_tx_principal_ts ON transactions (principal, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions (status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			tx_ref TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			at_ns BIGINT NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_events_ref ON events (tx_ref)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rules (
			id %s,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			params TEXT NOT NULL,
			action TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			created_ns BIGINT NOT NULL,
			updated_ns BIGINT NOT NULL
		)`, serial),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rule_evaluations (
			id %s,
			tx_ref TEXT NOT NULL,
			rule_id BIGINT NOT NULL,
			passed INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at_ns BIGINT NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_evals_ref ON rule_evaluations (tx_ref)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS spending_records (
			id %s,
			principal TEXT NOT NULL,
			amount_wei TEXT NOT NULL,
			at_ns BIGINT NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_spend_principal_ts ON spending_records (principal, at_ns)`,

		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			request TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			created_ns BIGINT NOT NULL,
			expires_ns BIGINT NOT NULL,
			reviewer TEXT NOT NULL DEFAULT '',
			decided_ns BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals (status)`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to $n for the postgres dialect.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation detects duplicate-key errors across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func nsToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
