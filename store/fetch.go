package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/download"
	"github.com/wolfeidau/cas-cache/telemetry"
)

// maxFetchAttempts bounds how often Fetch re-downloads content that was
// evicted before the caller could take its reference.
const maxFetchAttempts = 3

// Fetch ensures d is present locally, downloading it from the provider on a
// miss, and takes a reference on it. The caller must Release d when done.
//
// Concurrent fetches of the same digest share one download. A caller whose
// context ends stops waiting, but the download continues for the others.
func (c *FileCache) Fetch(ctx context.Context, d cascache.Digest, kind cascache.Kind) error {
	if err := d.Validate(c.hf); err != nil {
		return err
	}

	for attempt := range maxFetchAttempts {
		err := c.acquire(ctx, d, kind)
		if err == nil {
			if attempt == 0 {
				telemetry.RecordAcquire(ctx, kind.String(), "hit")
			}
			return nil
		}
		if !errors.Is(err, cascache.ErrNotFoundLocally) {
			return err
		}
		if attempt == 0 {
			telemetry.RecordAcquire(ctx, kind.String(), "miss")
		}
		if c.provider == nil {
			return err
		}
		if err := c.download(ctx, d, kind); err != nil {
			return err
		}
	}

	telemetry.RecordCacheFull(ctx, "fetch")
	return fmt.Errorf("%w: %s was evicted before it could be referenced", cascache.ErrCacheFull, d)
}

func (c *FileCache) download(ctx context.Context, d cascache.Digest, kind cascache.Kind) error {
	key := download.Key(d)
	_, shared, err := c.downloader.Do(ctx, key, func(ctx context.Context) (*download.Result, error) {
		return c.fetchRemote(ctx, d, kind)
	})
	if err != nil {
		c.downloader.ForgetOnError(key, err)
		return err
	}
	if shared {
		telemetry.RecordFetchShared(ctx)
	}
	return nil
}

func (c *FileCache) fetchRemote(ctx context.Context, d cascache.Digest, kind cascache.Kind) (*download.Result, error) {
	// a previous download may have published after our caller's miss
	if c.Contains(d) {
		return &download.Result{Digest: d}, nil
	}
	c.fetches.Add(1)

	rc, err := c.provider.Fetch(ctx, d, 0)
	if err != nil {
		c.logger.Debug("remote fetch failed", "digest", d.String(), "error", err)
		return nil, remoteError(d, err)
	}
	defer func() { _ = rc.Close() }()

	src := &sourceReader{r: rc}
	info, err := c.PutKind(ctx, d, kind, src)
	if err != nil {
		if src.err != nil {
			return nil, remoteError(d, src.err)
		}
		return nil, err
	}

	c.logger.Debug("fetched entry", "digest", d.String(), "kind", kind.String(), "existed", info.Existed)
	return &download.Result{Digest: d, Stored: !info.Existed}, nil
}

// remoteError makes every provider failure match cascache.ErrRemoteUnavailable
// while keeping the provider's own error in the chain.
func remoteError(d cascache.Digest, err error) error {
	if errors.Is(err, cascache.ErrRemoteUnavailable) {
		return fmt.Errorf("fetching %s: %w", d, err)
	}
	return fmt.Errorf("fetching %s: %w: %w", d, cascache.ErrRemoteUnavailable, err)
}

// sourceReader remembers the first non-EOF error from the provider stream so
// transport failures are not reported as content mismatches.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}

// Resolve fetches d if needed and returns its content. The returned Blob
// holds a reference that is released by Close.
func (c *FileCache) Resolve(ctx context.Context, d cascache.Digest) (*Blob, error) {
	if err := c.Fetch(ctx, d, cascache.KindBlob); err != nil {
		return nil, err
	}
	rc, err := c.Open(ctx, d)
	if err != nil {
		_ = c.Release(d)
		return nil, err
	}
	return &Blob{ReadCloser: rc, digest: d, cache: c}, nil
}

// Blob is referenced content returned by Resolve.
type Blob struct {
	io.ReadCloser
	digest cascache.Digest
	cache  *FileCache

	once sync.Once
	err  error
}

// Digest returns the digest of the content.
func (b *Blob) Digest() cascache.Digest {
	return b.digest
}

// Close closes the content and releases its reference exactly once.
func (b *Blob) Close() error {
	b.once.Do(func() {
		closeErr := b.ReadCloser.Close()
		releaseErr := b.cache.Release(b.digest)
		b.err = errors.Join(closeErr, releaseErr)
	})
	return b.err
}
