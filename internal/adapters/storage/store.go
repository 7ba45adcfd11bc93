package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// DocumentOpener connects to the document store backend.
type DocumentOpener func(ctx context.Context) (ports.Store, error)

// Options selects and configures the persistence backend.
type Options struct {
	// Document is tried first when set.
	Document DocumentOpener
	// SQLURL is tried second when set.
	SQLURL         string
	ConnectTimeout time.Duration

	DataDir       string
	Debounce      time.Duration
	Compress      bool
	EncryptionKey string
	Fs            afero.Fs
	Scheduler     Scheduler
}

// OpenStore picks the first reachable backend in preference order: document
// store, relational store, file store. A backend that fails to connect is
// logged and skipped; the file store is always available.
func OpenStore(ctx context.Context, opts Options, logger ports.Logger) (ports.Store, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if opts.Document != nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		store, err := opts.Document(cctx)
		if err == nil {
			err = store.Ping(cctx)
			if err != nil {
				store.Close()
			}
		}
		cancel()
		if err == nil {
			logger.Info("Using document store")
			return store, nil
		}
		logger.Warn("Document store unavailable, using fallback", "error", err)
	}

	if opts.SQLURL != "" {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		db, err := Open(cctx, DefaultConfig(opts.SQLURL))
		cancel()
		if err == nil {
			logger.Info("Using relational store", "dialect", db.Dialect(), "url", redactURL(opts.SQLURL))
			return NewSQLStore(db, logger), nil
		}
		logger.Warn("Relational store unavailable, using fallback", "error", err)
	}

	store, err := NewFileStore(FileStoreConfig{
		Dir:       opts.DataDir,
		Debounce:  opts.Debounce,
		Codec:     NewCodec(opts.Compress, opts.EncryptionKey),
		Fs:        opts.Fs,
		Scheduler: opts.Scheduler,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}
	logger.Info("Using local JSON store", "dir", opts.DataDir)
	return store, nil
}

// ValidateCollectionName rejects names that are empty or could escape the
// data directory.
func ValidateCollectionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCollection, name)
	}
	return nil
}
