package ports

import (
	"context"
	"encoding/json"
)

// UpdateFunc receives the current document ({} when the key is absent) and
// returns the value to store.
type UpdateFunc func(current json.RawMessage) (interface{}, error)

// Collection is a named key-value store of JSON documents.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Get returns the stored document and whether the key exists.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores value, which must be JSON serializable.
	Set(ctx context.Context, key string, value interface{}) error

	// Update performs a read-modify-write of one key and returns the stored
	// document. It is not atomic across processes.
	Update(ctx context.Context, key string, fn UpdateFunc) (json.RawMessage, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the stored keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// Store hands out collections from the backend chosen at startup.
type Store interface {
	// Collection returns the named collection, creating it on first use.
	Collection(name string) (Collection, error)

	// Backend names the active backend: "document", "sql" or "file".
	Backend() string

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}
