package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// BackendFile is the name reported by the file store.
const BackendFile = "file"

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs a function after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FileStoreConfig configures the file store.
type FileStoreConfig struct {
	Dir       string
	Debounce  time.Duration
	Codec     *Codec
	Fs        afero.Fs
	Scheduler Scheduler
	Now       func() time.Time
}

// FileStore keeps each collection in memory and mirrors it to
// <dir>/<collection>.json.
type FileStore struct {
	cfg    FileStoreConfig
	logger ports.Logger

	mu          sync.Mutex
	collections map[string]*FileCollection
	closed      bool
}

// NewFileStore creates the data directory and returns a store.
func NewFileStore(cfg FileStoreConfig, logger ports.Logger) (*FileStore, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = NewCodec(false, "")
	}
	if cfg.Dir == "" {
		cfg.Dir = "database"
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{
		cfg:         cfg,
		logger:      logger,
		collections: make(map[string]*FileCollection),
	}, nil
}

// Collection returns the named collection, loading it from disk on first use.
func (s *FileStore) Collection(name string) (ports.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrBackendUnavailable
	}
	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	c := &FileCollection{
		name:   name,
		path:   filepath.Join(s.cfg.Dir, name+".json"),
		fs:     s.cfg.Fs,
		codec:  s.cfg.Codec,
		sched:  s.cfg.Scheduler,
		delay:  s.cfg.Debounce,
		logger: s.logger.With("collection", name),
		data:   make(map[string]json.RawMessage),
	}
	if err := c.load(s.cfg.Now()); err != nil {
		return nil, err
	}
	s.collections[name] = c
	return c, nil
}

// Backend implements ports.Store.
func (s *FileStore) Backend() string { return BackendFile }

// Ping checks that the data directory is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if _, err := s.cfg.Fs.Stat(s.cfg.Dir); err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	return nil
}

// Close flushes every collection with pending writes.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	cols := make([]*FileCollection, 0, len(s.collections))
	for _, c := range s.collections {
		cols = append(cols, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range cols {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileCollection is one collection of the file store. Mutations update the
// in-memory map immediately and schedule a debounced flush.
type FileCollection struct {
	name   string
	path   string
	fs     afero.Fs
	codec  *Codec
	sched  Scheduler
	delay  time.Duration
	logger ports.Logger

	mu     sync.Mutex
	data   map[string]json.RawMessage
	timer  Timer
	dirty  bool
	saving bool

	// writeMu serializes file writes between the timer and Close.
	writeMu sync.Mutex
}

// Name implements ports.Collection.
func (c *FileCollection) Name() string { return c.name }

// load reads the snapshot from disk. A snapshot that cannot be decrypted
// fails the load and stays untouched. One that cannot be parsed is renamed to
// <name>.json.corrupt-<unix> and the collection starts empty.
func (c *FileCollection) load(now time.Time) error {
	raw, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "load", Err: err}
	}
	plain, err := c.codec.Decode(raw)
	if errors.Is(err, ErrDecrypt) {
		return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "load", Err: err}
	}
	if err == nil {
		err = json.Unmarshal(plain, &c.data)
	}
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", c.path, now.Unix())
		if rerr := c.fs.Rename(c.path, aside); rerr != nil {
			return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "load",
				Err: fmt.Errorf("unreadable snapshot could not be moved aside: %w", errors.Join(err, rerr))}
		}
		c.logger.Error("Collection file is corrupt, moved aside and starting empty", "path", c.path, "moved_to", aside, "error", err)
		c.data = make(map[string]json.RawMessage)
		return nil
	}
	if c.data == nil {
		c.data = make(map[string]json.RawMessage)
	}
	// Snapshots are indented on disk; keep values compact in memory.
	for k, v := range c.data {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			c.data[k] = buf.Bytes()
		}
	}
	return nil
}

// Get implements ports.Collection.
func (c *FileCollection) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// Set implements ports.Collection.
func (c *FileCollection) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := EncodeValue(value)
	if err != nil {
		return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "set", Key: key, Err: err}
	}
	c.mu.Lock()
	c.data[key] = raw
	c.markDirtyLocked()
	c.mu.Unlock()
	return nil
}

// Update implements ports.Collection. The read-modify-write runs under the
// collection lock.
func (c *FileCollection) Update(ctx context.Context, key string, fn ports.UpdateFunc) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.data[key]
	if !ok {
		current = json.RawMessage(`{}`)
	}
	next, err := fn(append(json.RawMessage(nil), current...))
	if err != nil {
		return nil, err
	}
	raw, err := EncodeValue(next)
	if err != nil {
		return nil, &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "update", Key: key, Err: err}
	}
	c.data[key] = raw
	c.markDirtyLocked()
	return append(json.RawMessage(nil), raw...), nil
}

// Delete implements ports.Collection.
func (c *FileCollection) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if _, ok := c.data[key]; ok {
		delete(c.data, key)
		c.markDirtyLocked()
	}
	c.mu.Unlock()
	return nil
}

// Keys implements ports.Collection.
func (c *FileCollection) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// markDirtyLocked restarts the debounce timer. Callers hold c.mu.
func (c *FileCollection) markDirtyLocked() {
	c.dirty = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.sched.AfterFunc(c.delay, c.onTimer)
}

func (c *FileCollection) onTimer() {
	c.mu.Lock()
	if c.saving {
		// A flush is still writing; try again after another delay.
		c.timer = c.sched.AfterFunc(c.delay, c.onTimer)
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.Flush(); err != nil {
		c.logger.Error("Save failed", "path", c.path, "error", err)
	}
}

// Flush writes pending changes now. It is a no-op when nothing changed.
func (c *FileCollection) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	plain, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		c.mu.Unlock()
		return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "flush", Err: err}
	}
	c.dirty = false
	c.saving = true
	c.mu.Unlock()

	err = c.write(plain)

	c.mu.Lock()
	c.saving = false
	if err != nil {
		c.dirty = true
	}
	c.mu.Unlock()

	if err != nil {
		return &domain.PersistenceError{Backend: BackendFile, Collection: c.name, Op: "flush", Err: err}
	}
	c.logger.Debug("Collection saved", "path", c.path)
	return nil
}

// write replaces the collection file through a temporary file and rename.
func (c *FileCollection) write(plain []byte) error {
	data, err := c.codec.Encode(plain)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := c.fs.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Close cancels the pending timer and flushes synchronously.
func (c *FileCollection) Close() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.Flush()
}

// EncodeValue turns a value into compact JSON. Raw JSON is validated and
// copied as is.
func EncodeValue(value interface{}) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("value is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("value is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return raw, nil
}

var (
	_ ports.Store      = (*FileStore)(nil)
	_ ports.Collection = (*FileCollection)(nil)
)
