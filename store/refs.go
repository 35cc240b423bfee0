package store

import (
	"context"
	"fmt"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/telemetry"
)

// Acquire takes a reference on d, protecting it from eviction until the
// matching Release. It fails with cascache.ErrNotFoundLocally if d is not present.
func (c *FileCache) Acquire(d cascache.Digest) error {
	return c.acquire(context.Background(), d, cascache.KindBlob)
}

func (c *FileCache) acquire(ctx context.Context, d cascache.Digest, kind cascache.Kind) error {
	e := c.idx.get(d)
	if e == nil {
		return fmt.Errorf("%w: %s", cascache.ErrNotFoundLocally, d)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLive {
		return fmt.Errorf("%w: %s", cascache.ErrNotFoundLocally, d)
	}
	if err := c.upgradeLocked(ctx, e, kind); err != nil {
		return err
	}

	e.refCount++
	if e.refCount == 1 {
		c.lru.remove(e)
	}
	e.lastAccess = c.clock.Add(1)
	return nil
}

// Release drops a reference taken by Acquire. When the last reference is
// released the entry becomes eligible for eviction as the most recently used.
//
// Releasing more often than acquiring is a caller bug: the count is left
// unchanged and an error wrapping cascache.ErrReferenceUnderflow is returned.
func (c *FileCache) Release(d cascache.Digest) error {
	e := c.idx.get(d)
	if e == nil {
		return c.underflow(d)
	}

	e.mu.Lock()
	if e.state != stateLive || e.refCount <= 0 {
		e.mu.Unlock()
		return c.underflow(d)
	}
	e.refCount--
	if e.refCount == 0 {
		e.lastAccess = c.clock.Add(1)
		if !e.fresh {
			c.lru.pushBack(e)
		}
	}
	e.mu.Unlock()
	return nil
}

func (c *FileCache) underflow(d cascache.Digest) error {
	telemetry.RecordUnderflow(context.Background())
	c.logger.Error("reference underflow", "digest", d.String())
	return fmt.Errorf("%w: %s", cascache.ErrReferenceUnderflow, d)
}
