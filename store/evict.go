package store

import (
	"context"
	"fmt"
	"time"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/backend"
	"github.com/wolfeidau/cas-cache/telemetry"
)

const (
	reasonCapacity  = "capacity"
	reasonSweep     = "sweep"
	reasonReconcile = "reconcile"
)

// reserve adds n bytes to the cache size, evicting idle entries as needed.
// It fails with cascache.ErrCacheFull without evicting anything when the
// referenced and in-flight content alone leaves no room.
func (c *FileCache) reserve(ctx context.Context, n int64) error {
	maxSize := c.cfg.MaxSizeBytes
	for {
		cur := c.size.Load()
		if cur+n <= maxSize {
			if c.size.CompareAndSwap(cur, cur+n) {
				return nil
			}
			continue
		}

		pinned := cur - c.lru.bytes.Load()
		if pinned+n > maxSize {
			return fmt.Errorf("%w: need %d bytes but %d of %d are referenced", cascache.ErrCacheFull, n, pinned, maxSize)
		}

		evicted, err := c.evictOne(ctx, reasonCapacity, 0)
		if err != nil {
			return fmt.Errorf("making room for %d bytes: %w", n, err)
		}
		if !evicted {
			return fmt.Errorf("%w: no unreferenced entries left to evict", cascache.ErrCacheFull)
		}
	}
}

// evictOne removes the least recently used idle entry. It reports false when
// there is nothing left to evict. A non-zero before limits eviction to
// entries last accessed before that clock value.
func (c *FileCache) evictOne(ctx context.Context, reason string, before uint64) (bool, error) {
	for {
		e := c.lru.front()
		if e == nil {
			return false, nil
		}

		e.mu.Lock()
		if before != 0 && e.state == stateLive && e.lastAccess >= before {
			e.mu.Unlock()
			return false, nil
		}
		// an Acquire or touch may have won between peek and lock
		if e.state != stateLive || e.refCount != 0 || !c.lru.removeIfFront(e) {
			e.mu.Unlock()
			telemetry.RecordPinnedSkip(ctx)
			continue
		}

		// the file goes first so that a re-put of the same digest, which
		// waits on e.mu, can never have its new file removed
		key := e.key()
		if err := c.backend.Delete(ctx, key); err != nil {
			c.lru.pushFront(e)
			e.mu.Unlock()
			return false, fmt.Errorf("deleting %s: %w", key, err)
		}
		c.removeLocked(e)
		c.evictions.Add(1)
		e.mu.Unlock()

		telemetry.RecordEviction(ctx, reason, e.digest.SizeBytes)
		c.logger.Debug("evicted entry", "digest", e.digest.String(), "reason", reason)
		return true, nil
	}
}

// EvictTo evicts idle entries in LRU order until the cache holds at most
// target bytes or no idle entries remain. It returns the number evicted.
func (c *FileCache) EvictTo(ctx context.Context, target int64) (int, error) {
	return c.evictTo(ctx, target, reasonSweep, 0)
}

func (c *FileCache) evictTo(ctx context.Context, target int64, reason string, before uint64) (int, error) {
	start := time.Now()
	defer func() { telemetry.RecordEvictionRun(ctx, reason, time.Since(start)) }()

	evicted := 0
	for c.size.Load() > target {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		ok, err := c.evictOne(ctx, reason, before)
		if err != nil {
			return evicted, err
		}
		if !ok {
			break
		}
		evicted++
	}
	return evicted, nil
}

// HighWaterBytes is the size above which insertions schedule a sweep.
func (c *FileCache) HighWaterBytes() int64 {
	return c.cfg.MaxSizeBytes * int64(c.cfg.SweepHighWaterPercent) / 100
}

// LowWaterBytes is the size sweeps evict down to.
func (c *FileCache) LowWaterBytes() int64 {
	return c.cfg.MaxSizeBytes * int64(c.cfg.SweepLowWaterPercent) / 100
}

// maybeSweep schedules a background sweep when the cache is above the
// high-water mark. The sweep only evicts entries last accessed before the
// publish that triggered it.
func (c *FileCache) maybeSweep(trigger uint64) {
	if c.cfg.SweepHighWaterPercent >= 100 || c.size.Load() <= c.HighWaterBytes() {
		return
	}
	if !c.sweeping.CompareAndSwap(false, true) {
		return
	}
	scheduled := c.executor.Go("sweep", func(ctx context.Context) error {
		defer c.sweeping.Store(false)
		n, err := c.evictTo(ctx, c.LowWaterBytes(), reasonSweep, trigger)
		if n > 0 {
			c.logger.Debug("sweep finished", "evicted", n)
		}
		c.PublishState(ctx)
		return err
	})
	if !scheduled {
		c.sweeping.Store(false)
	}
}

// SweepOrphans removes files under the cache prefix that no live entry owns.
// It is safe to run while the cache is serving requests.
func (c *FileCache) SweepOrphans(ctx context.Context) (int, error) {
	var keys []string
	err := c.backend.Walk(ctx, cascache.StoragePrefix, func(info backend.FileInfo) error {
		keys = append(keys, info.Key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing entries: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := c.removeIfOrphan(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			c.logger.Info("removed orphaned file", "key", key)
		}
	}
	return removed, nil
}

// removeIfOrphan deletes key unless a live entry owns it. While the file is
// being examined a pending placeholder holds the digest so that a concurrent
// put cannot publish underneath the deletion.
func (c *FileCache) removeIfOrphan(ctx context.Context, key string) (bool, error) {
	d, kind, err := cascache.ParseStorageKey(key)
	if err == nil {
		err = d.Validate(c.hf)
	}
	if err != nil {
		return true, c.backend.Delete(ctx, key)
	}

	placeholder := &entry{digest: d, kind: kind, state: statePending}
	placeholder.mu.Lock()
	defer placeholder.mu.Unlock()

	for {
		existing, inserted := c.idx.insert(placeholder)
		if inserted {
			err := c.backend.Delete(ctx, key)
			placeholder.state = stateEvicted
			c.idx.remove(placeholder)
			return true, err
		}

		existing.mu.Lock()
		if existing.state == stateLive {
			owned := existing.key() == key
			var err error
			if !owned {
				err = c.backend.Delete(ctx, key)
			}
			existing.mu.Unlock()
			return !owned, err
		}
		existing.mu.Unlock()
	}
}
