// Package sqlite implements the store interfaces on SQLite.
//
// Two stores live here and are meant to be opened on SEPARATE database
// files, because they model independent systems of record:
//
//   - ProfileDB: profiles, role assignments, approval grants
//   - IdentityDB: the local identity provider (credentials, confirmation)
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite, so the binary builds without a C
// toolchain and cross-compiles like any other Go program.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps a sql.DB connection pool. Stores are layered on top with
// NewProfileDB and NewIdentityDB, each running its own migrations.
type DB struct {
	conn *sql.DB
	path string
}

// New opens the database at dbPath and applies connection pragmas.
//
// dbPath examples:
//   - "data/profiles.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database, used by tests
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every new connection to ":memory:" is a brand new empty database,
	// so the pool must never hold more than one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	// Wait for a competing writer instead of failing with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// exec runs a batch of DDL statements.
func (db *DB) exec(what, ddl string) error {
	if _, err := db.conn.Exec(ddl); err != nil {
		return fmt.Errorf("sqlite: %s: %w", what, err)
	}
	return nil
}

// constraintViolation reports whether err is a SQLite constraint failure
// and, if so, a reason string in the vocabulary of the profile store
// ("duplicate key ..." for UNIQUE/PRIMARY KEY, "constraint violation ..."
// otherwise).
func constraintViolation(err error) (string, bool) {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return "", false
	}

	code := serr.Code()
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return "", false
	}

	msg := serr.Error()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return "duplicate key: " + trimSQLiteMessage(msg), true
	default:
		return "constraint violation: " + trimSQLiteMessage(msg), true
	}
}

// trimSQLiteMessage drops the driver's "(code)" suffix noise.
func trimSQLiteMessage(msg string) string {
	if i := strings.Index(msg, " ("); i > 0 {
		return msg[:i]
	}
	return msg
}
