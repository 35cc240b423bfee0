package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/backend"
	"github.com/wolfeidau/cas-cache/download"
	"github.com/wolfeidau/cas-cache/telemetry"
)

const lockFile = ".lock"

// FileCache is a size-bounded content-addressable cache rooted in a local directory.
//
// Concurrency model:
//   - Entries live in a sharded index; each entry has its own mutex guarding
//     its state, kind and reference count.
//   - Unreferenced entries are kept in an LRU list behind a narrow mutex.
//     Lock order is always entry, then LRU or index shard.
//   - Aggregates (size, entry counts) are atomics. Space is reserved with a
//     compare-and-swap before publication so the size never exceeds the cap.
type FileCache struct {
	cfg        Config
	hf         cascache.HashFunction
	backend    backend.Backend
	provider   Provider
	executor   Executor
	downloader *download.Downloader
	logger     *slog.Logger
	lock       *flock.Flock

	idx *index
	lru *lru

	clock atomic.Uint64
	seq   atomic.Uint64

	size      atomic.Int64
	entries   atomic.Int64
	dirs      atomic.Int64
	evictions atomic.Int64
	fetches   atomic.Int64

	sweeping atomic.Bool
	started  atomic.Bool
}

// Option configures a FileCache.
type Option func(*FileCache)

// WithProvider sets the remote provider used to fetch missing content.
func WithProvider(p Provider) Option {
	return func(c *FileCache) {
		c.provider = p
	}
}

// WithExecutor sets the executor used for background sweeps.
// Default: DirectExecutor.
func WithExecutor(e Executor) Option {
	return func(c *FileCache) {
		c.executor = e
	}
}

// WithBackend overrides the storage backend. The backend must be rooted at Config.Root.
func WithBackend(b backend.Backend) Option {
	return func(c *FileCache) {
		c.backend = b
	}
}

// WithDownloader shares a downloader between caches.
func WithDownloader(d *download.Downloader) Option {
	return func(c *FileCache) {
		c.downloader = d
	}
}

// New creates a FileCache. Start must be called before the cache is used.
func New(cfg Config, opts ...Option) (*FileCache, error) {
	cfg.setDefaults()
	if cfg.Root == "" {
		return nil, errors.New("store: root is required")
	}
	if cfg.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("store: max size must be positive, got %d", cfg.MaxSizeBytes)
	}
	hf, err := cascache.ParseHashFunction(string(cfg.HashFunction))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root: %w", err)
	}

	c := &FileCache{
		cfg:    cfg,
		hf:     hf,
		logger: cfg.Logger,
		lock:   flock.New(filepath.Join(cfg.Root, lockFile)),
		idx:    newIndex(),
		lru:    newLRU(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		fs, err := backend.NewFilesystem(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		c.backend = backend.NewInstrumentedBackend(fs, "filesystem")
	}
	if c.executor == nil {
		c.executor = DirectExecutor{Logger: c.logger}
	}
	if c.downloader == nil {
		c.downloader = download.New(download.WithLogger(c.logger))
	}
	return c, nil
}

// HashFunction returns the function used to address content.
func (c *FileCache) HashFunction() cascache.HashFunction {
	return c.hf
}

// MaxSizeBytes returns the configured size cap.
func (c *FileCache) MaxSizeBytes() int64 {
	return c.cfg.MaxSizeBytes
}

// Root returns the directory the cache owns.
func (c *FileCache) Root() string {
	return c.cfg.Root
}

// Close releases the root lock. In-flight operations must have finished.
func (c *FileCache) Close() error {
	if !c.started.Load() {
		return nil
	}
	return c.lock.Unlock()
}

// Contains reports whether d is present locally. It does not count as an access.
func (c *FileCache) Contains(d cascache.Digest) bool {
	e := c.idx.get(d)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateLive
}

// Entry returns a snapshot of the entry for d.
func (c *FileCache) Entry(d cascache.Digest) (*EntryInfo, bool) {
	e := c.idx.get(d)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLive {
		return nil, false
	}
	return e.infoLocked(), true
}

// Open returns the content of d. It never fetches.
// The caller should hold a reference for as long as the content is needed;
// without one the entry may be evicted, although an already open reader
// stays readable.
func (c *FileCache) Open(ctx context.Context, d cascache.Digest) (io.ReadCloser, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e := c.idx.get(d)
		if e == nil {
			break
		}
		e.mu.Lock()
		if e.state != stateLive {
			e.mu.Unlock()
			break
		}
		c.touchLocked(e)
		key := e.key()
		e.mu.Unlock()

		rc, err := c.backend.Read(ctx, key)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("opening %s: %w", d, err)
		}
		if c.invalidate(ctx, e, key) {
			break
		}
		// key changed underneath us, retry with the new one
	}
	return nil, fmt.Errorf("%w: %s", cascache.ErrNotFoundLocally, d)
}

// Put stores r as the content of d.
func (c *FileCache) Put(ctx context.Context, d cascache.Digest, r io.Reader) (*EntryInfo, error) {
	return c.PutKind(ctx, d, cascache.KindBlob, r)
}

// PutKind stores r as the content of d, recording its kind.
//
// The content is staged and verified against d before it becomes visible;
// on mismatch the staged data is discarded and a *cascache.DigestMismatchError
// is returned. A digest that is already present is not read again: the call
// only records the access. Putting a directory over an existing blob of the
// same digest upgrades its kind.
func (c *FileCache) PutKind(ctx context.Context, d cascache.Digest, kind cascache.Kind, r io.Reader) (*EntryInfo, error) {
	info, err := c.put(ctx, d, kind, r)

	result := "new"
	switch {
	case err == nil && info.Existed:
		result = "exists"
	case errors.Is(err, cascache.ErrDigestMismatch):
		result = "mismatch"
		c.logger.Warn("rejected content", "digest", d.String(), "error", err)
	case errors.Is(err, cascache.ErrCacheFull):
		result = "full"
		telemetry.RecordCacheFull(ctx, "put")
	case err != nil:
		result = "error"
	}
	telemetry.RecordPut(ctx, kind.String(), result, d.SizeBytes)

	return info, err
}

func (c *FileCache) put(ctx context.Context, d cascache.Digest, kind cascache.Kind, r io.Reader) (*EntryInfo, error) {
	if err := d.Validate(c.hf); err != nil {
		return nil, err
	}
	if info, ok, err := c.existing(ctx, d, kind); err != nil || ok {
		return info, err
	}
	if d.SizeBytes > c.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("%w: %s is larger than the cache (%d bytes)", cascache.ErrCacheFull, d, c.cfg.MaxSizeBytes)
	}

	staged, err := c.backend.Stage(ctx)
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", d, err)
	}
	defer func() { _ = staged.Abort() }()

	// one extra byte detects content longer than declared
	hr := c.hf.NewHashingReader(io.LimitReader(r, d.SizeBytes+1))
	if _, err := io.Copy(staged, &contextReader{ctx: ctx, r: hr}); err != nil {
		return nil, fmt.Errorf("staging %s: %w", d, err)
	}
	if actual := hr.Sum(); actual != d {
		return nil, &cascache.DigestMismatchError{Expected: d, Actual: actual}
	}

	return c.publish(ctx, d, kind, staged)
}

// publish reserves space and moves verified staged content into place.
func (c *FileCache) publish(ctx context.Context, d cascache.Digest, kind cascache.Kind, staged backend.Staged) (*EntryInfo, error) {
	if err := c.reserve(ctx, d.SizeBytes); err != nil {
		return nil, err
	}

	e := &entry{digest: d, kind: kind, state: statePending, seq: c.seq.Add(1)}
	e.mu.Lock()
	for {
		if _, inserted := c.idx.insert(e); inserted {
			break
		}
		// another writer owns the digest, its content is identical
		info, ok, err := c.existing(ctx, d, kind)
		if err != nil || ok {
			e.mu.Unlock()
			c.size.Add(-d.SizeBytes)
			return info, err
		}
	}

	if err := staged.Commit(e.key()); err != nil {
		c.idx.remove(e)
		e.state = stateEvicted
		e.mu.Unlock()
		c.size.Add(-d.SizeBytes)
		return nil, fmt.Errorf("publishing %s: %w", d, err)
	}

	// the entry stays unlisted until its own sweep has run so that the
	// caller always gets back content that is still present
	e.state = stateLive
	e.fresh = true
	e.lastAccess = c.clock.Add(1)
	c.entries.Add(1)
	if kind == cascache.KindDirectory {
		c.dirs.Add(1)
	}
	info := e.infoLocked()
	e.mu.Unlock()

	c.logger.Debug("published entry", "digest", d.String(), "kind", kind.String())
	c.maybeSweep(info.LastAccess)

	e.mu.Lock()
	e.fresh = false
	if e.state == stateLive && e.refCount == 0 {
		e.lastAccess = c.clock.Add(1)
		c.lru.pushBack(e)
	}
	e.mu.Unlock()
	return info, nil
}

// existing records an access on a live entry for d, if there is one.
func (c *FileCache) existing(ctx context.Context, d cascache.Digest, kind cascache.Kind) (*EntryInfo, bool, error) {
	for {
		e := c.idx.get(d)
		if e == nil {
			return nil, false, nil
		}
		e.mu.Lock()
		if e.state != stateLive {
			// removed from the index before it was unlocked
			e.mu.Unlock()
			continue
		}
		if err := c.upgradeLocked(ctx, e, kind); err != nil {
			e.mu.Unlock()
			return nil, false, err
		}
		c.touchLocked(e)
		info := e.infoLocked()
		info.Existed = true
		e.mu.Unlock()
		return info, true, nil
	}
}

// upgradeLocked turns a blob entry into a directory entry. e.mu must be held.
func (c *FileCache) upgradeLocked(ctx context.Context, e *entry, kind cascache.Kind) error {
	if kind != cascache.KindDirectory || e.kind == cascache.KindDirectory {
		return nil
	}
	from := e.key()
	to := cascache.StorageKey(e.digest, cascache.KindDirectory)
	if err := c.backend.Rename(ctx, from, to); err != nil {
		return fmt.Errorf("marking %s as directory: %w", e.digest, err)
	}
	e.kind = cascache.KindDirectory
	c.dirs.Add(1)
	return nil
}

// touchLocked records an access. e.mu must be held.
func (c *FileCache) touchLocked(e *entry) {
	e.lastAccess = c.clock.Add(1)
	if e.elem != nil {
		c.lru.touch(e)
	}
}

// invalidate drops an unreferenced entry whose file has disappeared.
// It returns false when the entry's key changed since it was read.
func (c *FileCache) invalidate(ctx context.Context, e *entry, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLive {
		return true
	}
	if e.key() != key {
		return false
	}
	if e.refCount > 0 {
		c.logger.Error("referenced entry is missing its file", "digest", e.digest.String(), "refs", e.refCount)
		return true
	}
	c.lru.remove(e)
	c.removeLocked(e)
	c.logger.Warn("dropped entry with missing file", "digest", e.digest.String())
	return true
}

// removeLocked takes e out of the index and aggregates. e.mu must be held and
// e must already be unlisted.
func (c *FileCache) removeLocked(e *entry) {
	e.state = stateEvicted
	c.idx.remove(e)
	c.size.Add(-e.digest.SizeBytes)
	c.entries.Add(-1)
	if e.kind == cascache.KindDirectory {
		c.dirs.Add(-1)
	}
}

// Stats returns a snapshot of the cache counters without taking any locks.
func (c *FileCache) Stats() Stats {
	return Stats{
		Entries:             c.entries.Load(),
		UnreferencedEntries: c.lru.count.Load(),
		Directories:         c.dirs.Load(),
		SizeBytes:           c.size.Load(),
		UnreferencedBytes:   c.lru.bytes.Load(),
		MaxSizeBytes:        c.cfg.MaxSizeBytes,
		Evictions:           c.evictions.Load(),
		Fetches:             c.fetches.Load(),
	}
}

// PublishState pushes the current counters to the cache-state gauges.
func (c *FileCache) PublishState(ctx context.Context) {
	s := c.Stats()
	telemetry.UpdateCacheState(ctx, telemetry.CacheState{
		SizeBytes:           s.SizeBytes,
		MaxSizeBytes:        s.MaxSizeBytes,
		PinnedBytes:         s.SizeBytes - s.UnreferencedBytes,
		Entries:             s.Entries,
		UnreferencedEntries: s.UnreferencedEntries,
		Directories:         s.Directories,
	})
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
