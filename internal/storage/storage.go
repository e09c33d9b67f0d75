// Package storage opens the shared SQL database and provides the thin
// dialect handle every store writes through. SQLite is the default;
// Postgres is supported via the pgx stdlib driver. All stores write one
// placeholder dialect (?); the handle rebinds for Postgres.
package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	// Database drivers register themselves with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DriverSQLite and DriverPostgres are the recognised driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps *sql.DB with placeholder rebinding for the active dialect.
type DB struct {
	sql    *sql.DB
	driver string
}

// Open opens (or creates) the shared database. An empty driver selects
// SQLite. For SQLite the DSN is a file path; WAL and a busy timeout are
// applied so API handlers and scheduler ticks can share the file.
func Open(driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite
	}

	switch driver {
	case DriverSQLite:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		return &DB{sql: db, driver: driver}, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &DB{sql: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// Driver returns the active driver name.
func (d *DB) Driver() string { return d.driver }

// Close closes the underlying database.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Exec executes a statement after rebinding placeholders.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.sql.Exec(d.Rebind(query), args...)
}

// Query runs a query after rebinding placeholders.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sql.Query(d.Rebind(query), args...)
}

// QueryRow runs a single-row query after rebinding placeholders.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.sql.QueryRow(d.Rebind(query), args...)
}

// Begin starts a transaction wrapped with the same rebinding.
func (d *DB) Begin() (*Tx, error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: d}, nil
}

// Tx is a transaction handle sharing the parent's dialect.
type Tx struct {
	tx *sql.Tx
	db *DB
}

// Exec executes a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.db.Rebind(query), args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.db.Rebind(query), args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Rebind converts ? placeholders to $N for Postgres. Question marks
// inside single-quoted literals are left alone.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
