package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// BackendSQL is the name reported by the relational store.
const BackendSQL = "sql"

// SQLStore keeps every collection in the shared kv_store table.
type SQLStore struct {
	db     *DB
	logger ports.Logger

	mu          sync.Mutex
	collections map[string]*SQLCollection
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *DB, logger ports.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger, collections: make(map[string]*SQLCollection)}
}

// Collection implements ports.Store.
func (s *SQLStore) Collection(name string) (ports.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := &SQLCollection{name: name, db: s.db}
	s.collections[name] = c
	return c, nil
}

// Backend implements ports.Store.
func (s *SQLStore) Backend() string { return BackendSQL }

// Ping implements ports.Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.Conn().PingContext(ctx)
}

// Close implements ports.Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SQLCollection is one collection in kv_store.
type SQLCollection struct {
	name string
	db   *DB
}

// Name implements ports.Collection.
func (c *SQLCollection) Name() string { return c.name }

func (c *SQLCollection) fail(op, key string, err error) error {
	return &domain.PersistenceError{Backend: BackendSQL, Collection: c.name, Op: op, Key: key, Err: err}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (c *SQLCollection) get(ctx context.Context, q queryer, key string, forUpdate bool) (json.RawMessage, bool, error) {
	query := "SELECT value FROM kv_store WHERE collection = ? AND key = ?"
	if forUpdate && c.db.Dialect() == DialectPostgres {
		query += " FOR UPDATE"
	}
	var value string
	err := q.QueryRowContext(ctx, c.db.Rebind(query), c.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

func (c *SQLCollection) set(ctx context.Context, q queryer, key string, raw json.RawMessage) error {
	query := `INSERT INTO kv_store (collection, key, value) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	_, err := q.ExecContext(ctx, c.db.Rebind(query), c.name, key, string(raw))
	return err
}

// Get implements ports.Collection.
func (c *SQLCollection) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, ok, err := c.get(ctx, c.db.Conn(), key, false)
	if err != nil {
		return nil, false, c.fail("get", key, err)
	}
	return v, ok, nil
}

// Set implements ports.Collection.
func (c *SQLCollection) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := EncodeValue(value)
	if err != nil {
		return c.fail("set", key, err)
	}
	if err := c.set(ctx, c.db.Conn(), key, raw); err != nil {
		return c.fail("set", key, err)
	}
	return nil
}

// Update implements ports.Collection inside a transaction. PostgreSQL locks
// the row; SQLite serializes through its single connection.
func (c *SQLCollection) Update(ctx context.Context, key string, fn ports.UpdateFunc) (json.RawMessage, error) {
	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return nil, c.fail("update", key, err)
	}
	defer tx.Rollback()

	current, ok, err := c.get(ctx, tx, key, true)
	if err != nil {
		return nil, c.fail("update", key, err)
	}
	if !ok {
		current = json.RawMessage(`{}`)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	raw, err := EncodeValue(next)
	if err != nil {
		return nil, c.fail("update", key, err)
	}
	if err := c.set(ctx, tx, key, raw); err != nil {
		return nil, c.fail("update", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, c.fail("update", key, fmt.Errorf("failed to commit: %w", err))
	}
	return raw, nil
}

// Delete implements ports.Collection.
func (c *SQLCollection) Delete(ctx context.Context, key string) error {
	query := "DELETE FROM kv_store WHERE collection = ? AND key = ?"
	if _, err := c.db.Conn().ExecContext(ctx, c.db.Rebind(query), c.name, key); err != nil {
		return c.fail("delete", key, err)
	}
	return nil
}

// Keys implements ports.Collection.
func (c *SQLCollection) Keys(ctx context.Context) ([]string, error) {
	query := "SELECT key FROM kv_store WHERE collection = ? ORDER BY key"
	rows, err := c.db.Conn().QueryContext(ctx, c.db.Rebind(query), c.name)
	if err != nil {
		return nil, c.fail("keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, c.fail("keys", "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, c.fail("keys", "", err)
	}
	return keys, nil
}

var (
	_ ports.Store      = (*SQLStore)(nil)
	_ ports.Collection = (*SQLCollection)(nil)
)
