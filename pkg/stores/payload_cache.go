package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// ErrStorageUnavailable reports that local payload storage cannot be written.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrDigestMismatch is returned when cached bytes do not match the expected digest.
var ErrDigestMismatch = errors.New("payload digest mismatch")

// CacheConfig configures the payload cache.
type CacheConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps payloads in memory only.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often the value log is collected. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64

	// Logger receives badger's internal logs. A zero logger silences them.
	Logger *zerolog.Logger
}

// DefaultCacheConfig returns a persistent cache configuration rooted at path.
func DefaultCacheConfig(path string) CacheConfig {
	return CacheConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryCacheConfig returns a configuration for tests.
func InMemoryCacheConfig() CacheConfig {
	return CacheConfig{InMemory: true}
}

// PayloadCache stores resource payload bytes outside SQL, keyed by id and version.
type PayloadCache struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	logger *zerolog.Logger
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// OpenPayloadCache opens the badger database backing the cache.
func OpenPayloadCache(cfg CacheConfig) (*PayloadCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent payload cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create payload cache directory %s: %w", cfg.Path, classifyWriteError(err))
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.With().Str("component", "payload_cache").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open payload cache: %w", classifyWriteError(err))
	}

	cache := &PayloadCache{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		cache.stopGC = make(chan struct{})
		cache.doneGC = make(chan struct{})
		go cache.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return cache, nil
}

// Digest returns the hex xxhash64 of data.
func Digest(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

func payloadKey(id string, version int) []byte {
	return []byte(fmt.Sprintf("payload/%s@%d", id, version))
}

// Put stores the payload and returns its digest. Write failures are
// reported as ErrStorageUnavailable.
func (c *PayloadCache) Put(ctx context.Context, id string, version int, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(payloadKey(id, version), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to cache payload %s@%d: %w", id, version, classifyWriteError(err))
	}
	return Digest(data), nil
}

// Get reads a payload. When digest is non-empty the bytes are verified.
func (c *PayloadCache) Get(_ context.Context, id string, version int, digest string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(payloadKey(id, version))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("payload %s@%d: %w", id, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s@%d: %w", id, version, err)
	}
	if digest != "" && Digest(data) != digest {
		return nil, fmt.Errorf("payload %s@%d: %w", id, version, ErrDigestMismatch)
	}
	return data, nil
}

// Has reports whether the payload is cached.
func (c *PayloadCache) Has(ctx context.Context, id string, version int) bool {
	_, err := c.Get(ctx, id, version, "")
	return err == nil
}

// Delete removes a payload. Missing keys are not an error.
func (c *PayloadCache) Delete(_ context.Context, id string, version int) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(payloadKey(id, version))
	})
	if err != nil {
		return fmt.Errorf("failed to delete payload %s@%d: %w", id, version, err)
	}
	return nil
}

// Close stops garbage collection and closes the database.
func (c *PayloadCache) Close() error {
	if c.stopGC != nil {
		close(c.stopGC)
		<-c.doneGC
		c.stopGC = nil
	}
	return c.db.Close()
}

func (c *PayloadCache) runGC(interval time.Duration, ratio float64) {
	defer close(c.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
				c.logger.Warn().Err(err).Msg("payload cache value log GC failed")
			}
		}
	}
}

// classifyWriteError marks errors that mean the device cannot take writes.
func classifyWriteError(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, badger.ErrDBClosed),
		errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	default:
		return err
	}
}
