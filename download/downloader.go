// Package download provides singleflight-based deduplication for concurrent
// remote fetches. When multiple callers miss on the same digest, only one
// remote fetch is performed and every waiter observes its outcome.
package download

import (
	"context"
	"errors"
	"log/slog"

	cascache "github.com/wolfeidau/cas-cache"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a download operation.
type Result struct {
	Digest cascache.Digest

	// Stored is true when the download published new content rather than
	// finding it already present.
	Stored bool
}

// DownloadFunc fetches from the remote, verifies integrity, and stores the content.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller timing out does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key returns the deduplication key for a digest.
func Key(d cascache.Digest) string {
	return d.String()
}

// Do deduplicates concurrent downloads for the same key.
// The fn receives a context detached from the caller's cancellation.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		d.logger.Debug("download started", "key", key)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to start a fresh download instead of joining the in-flight one.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError calls Forget if err represents a real download failure rather
// than the caller's own context expiring.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
