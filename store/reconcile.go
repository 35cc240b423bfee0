package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/backend"
	"github.com/wolfeidau/cas-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// ReconcileResult summarises startup reconciliation.
type ReconcileResult struct {
	Entries        int           `json:"entries"`
	Directories    int           `json:"directories"`
	SizeBytes      int64         `json:"size_bytes"`
	Orphans        []string      `json:"orphans,omitempty"`
	OrphansRemoved int           `json:"orphans_removed"`
	StagedRemoved  int           `json:"staged_removed"`
	Evicted        int           `json:"evicted"`
	Duration       time.Duration `json:"duration"`
}

type candidate struct {
	info   backend.FileInfo
	digest cascache.Digest
	kind   cascache.Kind
}

// Start takes ownership of the root and rebuilds the index from disk.
//
// Staged writes left by a previous process are discarded. Every published
// file must parse as a digest of the configured hash function with a
// matching size (and content, with VerifyContent); anything else is an
// orphan and is removed unless KeepOrphans is set. Entries are ordered by
// modification time so LRU order survives restarts. If the cache is over
// its cap it is evicted down to it before Start returns.
func (c *FileCache) Start(ctx context.Context) (*ReconcileResult, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, errors.New("store: already started")
	}

	locked, err := c.lock.TryLock()
	if err != nil {
		c.started.Store(false)
		return nil, fmt.Errorf("locking root: %w", err)
	}
	if !locked {
		c.started.Store(false)
		return nil, fmt.Errorf("%w: %s", ErrRootLocked, c.cfg.Root)
	}

	res, err := c.reconcile(ctx)
	if err != nil {
		_ = c.lock.Unlock()
		c.started.Store(false)
		return nil, err
	}
	return res, nil
}

func (c *FileCache) reconcile(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()
	res := &ReconcileResult{}

	staged, err := c.backend.ClearStaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing staged writes: %w", err)
	}
	res.StagedRemoved = staged

	var candidates []*candidate
	byDigest := make(map[cascache.Digest]int)
	var orphans []string

	err = c.backend.Walk(ctx, cascache.StoragePrefix, func(info backend.FileInfo) error {
		d, kind, err := cascache.ParseStorageKey(info.Key)
		if err == nil {
			err = d.Validate(c.hf)
		}
		if err == nil && info.Size != d.SizeBytes {
			err = fmt.Errorf("file is %d bytes", info.Size)
		}
		if err != nil {
			c.logger.Debug("orphaned file", "key", info.Key, "reason", err)
			orphans = append(orphans, info.Key)
			return nil
		}

		cand := &candidate{info: info, digest: d, kind: kind}
		if i, dup := byDigest[d]; dup {
			// both forms on disk, the directory wins
			if kind == cascache.KindDirectory {
				orphans = append(orphans, candidates[i].info.Key)
				candidates[i] = cand
			} else {
				orphans = append(orphans, info.Key)
			}
			return nil
		}
		byDigest[d] = len(candidates)
		candidates = append(candidates, cand)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning root: %w", err)
	}

	if c.cfg.VerifyContent {
		valid, corrupt, err := c.verify(ctx, candidates)
		if err != nil {
			return nil, err
		}
		candidates = valid
		orphans = append(orphans, corrupt...)
	}

	res.Orphans = orphans
	if !c.cfg.KeepOrphans {
		for _, key := range orphans {
			if err := c.backend.Delete(ctx, key); err != nil {
				c.logger.Warn("failed to remove orphaned file", "key", key, "error", err)
				continue
			}
			res.OrphansRemoved++
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].info.ModTime.Before(candidates[j].info.ModTime)
	})
	for _, cand := range candidates {
		c.adopt(cand)
	}

	if c.size.Load() > c.cfg.MaxSizeBytes {
		evicted, err := c.evictTo(ctx, c.cfg.MaxSizeBytes, reasonReconcile, 0)
		res.Evicted = evicted
		if err != nil {
			c.logger.Warn("eviction after reconcile failed", "error", err)
		}
	}

	res.Entries = int(c.entries.Load())
	res.Directories = int(c.dirs.Load())
	res.SizeBytes = c.size.Load()
	res.Duration = time.Since(start)

	telemetry.RecordReconcile(ctx, res.Duration, res.Entries, len(res.Orphans), res.Evicted)
	c.PublishState(ctx)

	c.logger.Info("reconciled cache",
		"root", c.cfg.Root,
		"entries", res.Entries,
		"directories", res.Directories,
		"size", res.SizeBytes,
		"orphans", len(res.Orphans),
		"orphans_removed", res.OrphansRemoved,
		"evicted", res.Evicted,
		"duration", res.Duration,
	)
	return res, nil
}

// adopt indexes a file found on disk as an idle entry.
func (c *FileCache) adopt(cand *candidate) {
	e := &entry{
		digest: cand.digest,
		kind:   cand.kind,
		state:  stateLive,
		seq:    c.seq.Add(1),
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastAccess = c.clock.Add(1)
	c.idx.insert(e)
	c.lru.pushBack(e)
	c.size.Add(cand.digest.SizeBytes)
	c.entries.Add(1)
	if cand.kind == cascache.KindDirectory {
		c.dirs.Add(1)
	}
}

// verify re-hashes candidates in parallel and splits off those whose content
// does not match their name.
func (c *FileCache) verify(ctx context.Context, candidates []*candidate) ([]*candidate, []string, error) {
	ok := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.VerifyConcurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			rc, err := c.backend.Read(gctx, cand.info.Key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", cand.info.Key, err)
			}
			defer func() { _ = rc.Close() }()

			actual, err := c.hf.ComputeReader(&contextReader{ctx: gctx, r: rc})
			if err != nil {
				return fmt.Errorf("hashing %s: %w", cand.info.Key, err)
			}
			ok[i] = actual == cand.digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("verifying content: %w", err)
	}

	var (
		valid   []*candidate
		corrupt []string
	)
	for i, cand := range candidates {
		if ok[i] {
			valid = append(valid, cand)
			continue
		}
		c.logger.Warn("corrupt file", "key", cand.info.Key)
		corrupt = append(corrupt, cand.info.Key)
	}
	return valid, corrupt, nil
}
