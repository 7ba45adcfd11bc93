// Package storage implements the persistence backends: a debounced JSON file
// store and a relational key-value store on SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds relational store connection options.
type Config struct {
	URL         string
	JournalMode string // WAL, DELETE, TRUNCATE
	Synchronous string // OFF, NORMAL, FULL
	BusyTimeout int    // in milliseconds
}

// DefaultConfig returns the default configuration for a database URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// DB wraps a database/sql connection to the kv_store table.
type DB struct {
	conn    *sql.DB
	config  Config
	dialect Dialect
}

// ParseURL maps a database URL to its dialect and driver DSN. SQLite URLs
// are sqlite://<path> or file:<path>; PostgreSQL URLs are passed through.
func ParseURL(url string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "file:"):
		return DialectSQLite, strings.TrimPrefix(url, "file:"), nil
	}
	return "", "", fmt.Errorf("unsupported database url %q", redactURL(url))
}

// Open connects to the database, applies dialect settings and creates the
// schema.
func Open(ctx context.Context, config Config) (*DB, error) {
	dialect, dsn, err := ParseURL(config.URL)
	if err != nil {
		return nil, err
	}

	driver := "pgx"
	if dialect == DialectSQLite {
		driver = "sqlite3"
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
			dsn, config.JournalMode, config.Synchronous, config.BusyTimeout)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer at a time keeps SQLite from returning SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, config: config, dialect: dialect}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := db.applyPragmas(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// applyPragmas applies SQLite settings; PostgreSQL needs none.
func (db *DB) applyPragmas(ctx context.Context) error {
	if db.dialect != DialectSQLite {
		return nil
	}
	pragmas := []string{
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// initSchema creates the kv_store table if it does not exist.
func (db *DB) initSchema(ctx context.Context) error {
	valueType := "TEXT"
	if db.dialect == DialectPostgres {
		valueType = "JSONB"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS kv_store (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value %s NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, key)
	)`, valueType)

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) Rebind(query string) string {
	if db.dialect != DialectPostgres {
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

// Dialect returns the SQL flavour.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// BeginTx starts a new transaction.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// redactURL hides credentials in a connection URL for logs and errors.
func redactURL(url string) string {
	scheme := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
