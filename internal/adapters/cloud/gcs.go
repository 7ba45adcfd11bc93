// Package cloud provides the Google Cloud backends: a document store on
// Cloud Storage and a Cloud Monitoring metric exporter.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	kvstore "github.com/MidknightMantra/MidKnight/internal/adapters/storage"
	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// BackendDocument is the name reported by the document store.
const BackendDocument = "document"

// ErrObjectNotFound is returned by an ObjectBucket for a missing object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectBucket is the subset of an object store the document store needs.
type ObjectBucket interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// GCSConfig holds Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	CredentialsFile string `json:"credentials_file,omitempty" mapstructure:"credentials_file"`
}

// DefaultGCSConfig returns default GCS configuration.
func DefaultGCSConfig() GCSConfig {
	return GCSConfig{Prefix: "midknight"}
}

// gcsBucket adapts a Cloud Storage bucket handle to ObjectBucket.
type gcsBucket struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSBucket connects to a bucket using the credentials file or
// Application Default Credentials.
func NewGCSBucket(ctx context.Context, config GCSConfig) (ObjectBucket, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file not found: %s", config.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsBucket{client: client, bucket: client.Bucket(config.Bucket)}, nil
}

func (b *gcsBucket) Read(ctx context.Context, name string) ([]byte, error) {
	reader, err := b.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (b *gcsBucket) Write(ctx context.Context, name string, data []byte) error {
	writer := b.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func (b *gcsBucket) Delete(ctx context.Context, name string) error {
	err := b.bucket.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	return err
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (b *gcsBucket) Ping(ctx context.Context) error {
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("failed to reach bucket: %w", err)
	}
	return nil
}

func (b *gcsBucket) Close() error {
	return b.client.Close()
}

// document is the stored shape of one key.
type document struct {
	ID        string          `json:"_id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DocumentStore keeps one object per key at <prefix>/<collection>/<key>.json.
type DocumentStore struct {
	bucket ObjectBucket
	prefix string
	logger ports.Logger
	now    func() time.Time

	mu          sync.Mutex
	collections map[string]*DocumentCollection
}

// NewDocumentStore creates a store over an object bucket.
func NewDocumentStore(bucket ObjectBucket, prefix string, logger ports.Logger) *DocumentStore {
	return &DocumentStore{
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		logger:      logger,
		now:         time.Now,
		collections: make(map[string]*DocumentCollection),
	}
}

// OpenDocumentStore connects to the configured bucket.
func OpenDocumentStore(ctx context.Context, config GCSConfig, logger ports.Logger) (*DocumentStore, error) {
	bucket, err := NewGCSBucket(ctx, config)
	if err != nil {
		return nil, err
	}
	logger.Debug("Connected to GCS", "bucket", config.Bucket, "prefix", config.Prefix)
	return NewDocumentStore(bucket, config.Prefix, logger), nil
}

// Collection implements ports.Store.
func (s *DocumentStore) Collection(name string) (ports.Collection, error) {
	if err := kvstore.ValidateCollectionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := &DocumentCollection{name: name, store: s}
	s.collections[name] = c
	return c, nil
}

// Backend implements ports.Store.
func (s *DocumentStore) Backend() string { return BackendDocument }

// Ping implements ports.Store.
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.bucket.Ping(ctx)
}

// Close implements ports.Store.
func (s *DocumentStore) Close() error {
	return s.bucket.Close()
}

func (s *DocumentStore) collectionPrefix(collection string) string {
	return path.Join(s.prefix, collection) + "/"
}

func (s *DocumentStore) objectName(collection, key string) string {
	return s.collectionPrefix(collection) + url.PathEscape(key) + ".json"
}

// DocumentCollection is one collection of the document store. Update is
// serialized within the process only.
type DocumentCollection struct {
	name  string
	store *DocumentStore
	mu    sync.Mutex
}

// Name implements ports.Collection.
func (c *DocumentCollection) Name() string { return c.name }

func (c *DocumentCollection) fail(op, key string, err error) error {
	return &domain.PersistenceError{Backend: BackendDocument, Collection: c.name, Op: op, Key: key, Err: err}
}

func (c *DocumentCollection) read(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := c.store.bucket.Read(ctx, c.store.objectName(c.name, key))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc.Data, true, nil
}

func (c *DocumentCollection) write(ctx context.Context, key string, value interface{}) (json.RawMessage, error) {
	data, err := kvstore.EncodeValue(value)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(document{ID: key, Data: data, UpdatedAt: c.store.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	if err := c.store.bucket.Write(ctx, c.store.objectName(c.name, key), raw); err != nil {
		return nil, err
	}
	return data, nil
}

// Get implements ports.Collection.
func (c *DocumentCollection) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, ok, err := c.read(ctx, key)
	if err != nil {
		return nil, false, c.fail("get", key, err)
	}
	return v, ok, nil
}

// Set implements ports.Collection.
func (c *DocumentCollection) Set(ctx context.Context, key string, value interface{}) error {
	if _, err := c.write(ctx, key, value); err != nil {
		return c.fail("set", key, err)
	}
	return nil
}

// Update implements ports.Collection.
func (c *DocumentCollection) Update(ctx context.Context, key string, fn ports.UpdateFunc) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok, err := c.read(ctx, key)
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
	stored, err := c.write(ctx, key, next)
	if err != nil {
		return nil, c.fail("update", key, err)
	}
	return stored, nil
}

// Delete implements ports.Collection.
func (c *DocumentCollection) Delete(ctx context.Context, key string) error {
	err := c.store.bucket.Delete(ctx, c.store.objectName(c.name, key))
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return c.fail("delete", key, err)
	}
	return nil
}

// Keys implements ports.Collection.
func (c *DocumentCollection) Keys(ctx context.Context) ([]string, error) {
	prefix := c.store.collectionPrefix(c.name)
	names, err := c.store.bucket.List(ctx, prefix)
	if err != nil {
		return nil, c.fail("list", "", err)
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		escaped := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		key, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ ports.Store      = (*DocumentStore)(nil)
	_ ports.Collection = (*DocumentCollection)(nil)
)
