package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/reapi"
	"github.com/wolfeidau/cas-cache/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency bounds concurrent child fetches within one Resolve.
	DefaultConcurrency = 16

	// DefaultMaxDepth bounds directory nesting.
	DefaultMaxDepth = 64
)

// Cache is the part of the content cache the materializer needs.
type Cache interface {
	HashFunction() cascache.HashFunction
	Fetch(ctx context.Context, d cascache.Digest, kind cascache.Kind) error
	Open(ctx context.Context, d cascache.Digest) (io.ReadCloser, error)
	Release(d cascache.Digest) error
}

// Materializer expands directory digests into resolved trees.
type Materializer struct {
	cache       Cache
	concurrency int
	maxDepth    int
	logger      *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithConcurrency sets the number of child fetches that may run at once.
func WithConcurrency(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMaxDepth sets the maximum directory nesting accepted.
func WithMaxDepth(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		m.logger = logger
	}
}

// New creates a Materializer over cache.
func New(cache Cache, opts ...Option) *Materializer {
	m := &Materializer{
		cache:       cache,
		concurrency: DefaultConcurrency,
		maxDepth:    DefaultMaxDepth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve fetches the directory d and everything beneath it, taking a
// reference on every node. The caller must call Tree.Release when done.
// On error no references are left held.
func (m *Materializer) Resolve(ctx context.Context, d cascache.Digest) (*Tree, error) {
	start := time.Now()
	r := &resolution{
		m:     m,
		hf:    m.cache.HashFunction(),
		sem:   semaphore.NewWeighted(int64(m.concurrency)),
		sizes: make(map[string]int64),
	}

	root, err := r.directory(ctx, "", d, 0)
	if err != nil {
		if rerr := releaseAll(m.cache, r.refs); rerr != nil {
			m.logger.Error("releasing partial tree", "digest", d.String(), "error", rerr)
		}
		outcome := "error"
		if errors.Is(err, cascache.ErrMalformedTree) {
			outcome = "malformed"
		}
		telemetry.RecordMaterialize(ctx, outcome, time.Since(start))
		return nil, err
	}

	telemetry.RecordMaterialize(ctx, "success", time.Since(start))
	m.logger.Debug("materialized tree", "digest", d.String(), "refs", len(r.refs), "duration", time.Since(start))
	return &Tree{Root: root, cache: m.cache, refs: r.refs}, nil
}

// resolution is the state of a single Resolve call.
type resolution struct {
	m   *Materializer
	hf  cascache.HashFunction
	sem *semaphore.Weighted

	mu    sync.Mutex
	refs  []cascache.Digest
	sizes map[string]int64
}

// fetch takes a reference on d, holding a concurrency slot only for the fetch itself.
func (r *resolution) fetch(ctx context.Context, d cascache.Digest, kind cascache.Kind) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	if err := r.m.cache.Fetch(ctx, d, kind); err != nil {
		return err
	}
	r.mu.Lock()
	r.refs = append(r.refs, d)
	r.mu.Unlock()
	return nil
}

// checkDigest validates a child digest and that its hash is not used with
// another size elsewhere in the tree.
func (r *resolution) checkDigest(name string, d cascache.Digest) error {
	if err := d.Validate(r.hf); err != nil {
		return fmt.Errorf("%w: %q: %w", cascache.ErrMalformedTree, name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if size, ok := r.sizes[d.Hash]; ok && size != d.SizeBytes {
		return fmt.Errorf("%w: %q: hash %s seen with sizes %d and %d", cascache.ErrMalformedTree, name, d.Hash, size, d.SizeBytes)
	}
	r.sizes[d.Hash] = d.SizeBytes
	return nil
}

func (r *resolution) directory(ctx context.Context, name string, d cascache.Digest, depth int) (*Node, error) {
	if depth > r.m.maxDepth {
		return nil, fmt.Errorf("%w: deeper than %d levels at %q", cascache.ErrMalformedTree, r.m.maxDepth, name)
	}
	if err := r.checkDigest(name, d); err != nil {
		return nil, err
	}
	if err := r.fetch(ctx, d, cascache.KindDirectory); err != nil {
		return nil, fmt.Errorf("fetching directory %s: %w", d, err)
	}

	dir, err := r.decode(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := r.validate(dir); err != nil {
		return nil, err
	}

	n := &Node{
		Name:        name,
		Digest:      d,
		Files:       make([]File, len(dir.Files)),
		Directories: make([]*Node, len(dir.Directories)),
		Symlinks:    make([]Symlink, len(dir.Symlinks)),
	}
	for i, s := range dir.Symlinks {
		n.Symlinks[i] = Symlink{Name: s.Name, Target: s.Target}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range dir.Files {
		n.Files[i] = File{Name: f.Name, Digest: f.Digest, IsExecutable: f.IsExecutable}
		g.Go(func() error {
			if err := r.fetch(gctx, f.Digest, cascache.KindBlob); err != nil {
				return fmt.Errorf("fetching file %q: %w", f.Name, err)
			}
			return nil
		})
	}
	for i, sub := range dir.Directories {
		g.Go(func() error {
			child, err := r.directory(gctx, sub.Name, sub.Digest, depth+1)
			if err != nil {
				return err
			}
			n.Directories[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *resolution) decode(ctx context.Context, d cascache.Digest) (*reapi.Directory, error) {
	rc, err := r.m.cache.Open(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("opening directory %s: %w", d, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", d, err)
	}
	dir, err := reapi.UnmarshalDirectory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", cascache.ErrMalformedTree, d, err)
	}
	return dir, nil
}

func (r *resolution) validate(dir *reapi.Directory) error {
	seen := make(map[string]struct{}, len(dir.Files)+len(dir.Directories)+len(dir.Symlinks))
	check := func(name string) error {
		if err := validName(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate entry %q", cascache.ErrMalformedTree, name)
		}
		seen[name] = struct{}{}
		return nil
	}

	for _, f := range dir.Files {
		if err := check(f.Name); err != nil {
			return err
		}
		if err := r.checkDigest(f.Name, f.Digest); err != nil {
			return err
		}
	}
	for _, sub := range dir.Directories {
		if err := check(sub.Name); err != nil {
			return err
		}
	}
	for _, s := range dir.Symlinks {
		if err := check(s.Name); err != nil {
			return err
		}
	}
	return nil
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: invalid entry name %q", cascache.ErrMalformedTree, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: entry name %q contains a separator", cascache.ErrMalformedTree, name)
	}
	return nil
}
