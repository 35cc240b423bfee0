package ac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/backend"
	"github.com/wolfeidau/cas-cache/reapi"
	"github.com/wolfeidau/cas-cache/telemetry"
)

// Filesystem keeps one file per action, named by the action hash.
type Filesystem struct {
	fs     backend.Backend
	logger *slog.Logger
}

// Option configures an action cache.
type Option func(*options)

type options struct {
	logger *slog.Logger
	noSync bool
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNoSync disables fsync per bolt transaction. For tests only.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewFilesystem creates an action cache in dir. Writes are staged and
// renamed into place so readers never see a partial result.
func NewFilesystem(dir string, opts ...Option) (*Filesystem, error) {
	o := buildOptions(opts)
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating action cache: %w", err)
	}
	if _, err := fs.ClearStaging(context.Background()); err != nil {
		return nil, fmt.Errorf("clearing action cache staging: %w", err)
	}
	return &Filesystem{
		fs:     backend.NewInstrumentedBackend(fs, "action_cache"),
		logger: o.logger,
	}, nil
}

// Get returns the result stored for action. Unreadable entries are misses.
func (f *Filesystem) Get(ctx context.Context, action cascache.Digest) (*reapi.ActionResult, bool) {
	k, err := key(action)
	if err != nil {
		f.logger.Debug("action cache get", "action", action.String(), "error", err)
		telemetry.RecordActionCacheOp(ctx, "filesystem", "get", "error")
		return nil, false
	}

	rc, err := f.fs.Read(ctx, k)
	if err != nil {
		result := "miss"
		if !errors.Is(err, backend.ErrNotFound) {
			result = "error"
			f.logger.Debug("action cache read failed", "action", k, "error", err)
		}
		telemetry.RecordActionCacheOp(ctx, "filesystem", "get", result)
		return nil, false
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, maxResultSize+1))
	if err == nil && len(data) > maxResultSize {
		err = errResultTooLarge
	}
	var res *reapi.ActionResult
	if err == nil {
		res, err = reapi.UnmarshalActionResult(data)
	}
	if err != nil {
		f.logger.Debug("action cache entry unreadable", "action", k, "error", err)
		telemetry.RecordActionCacheOp(ctx, "filesystem", "get", "error")
		return nil, false
	}

	telemetry.RecordActionCacheOp(ctx, "filesystem", "get", "hit")
	return res, true
}

// Put stores result for action, replacing any previous result.
func (f *Filesystem) Put(ctx context.Context, action cascache.Digest, result *reapi.ActionResult) error {
	k, err := key(action)
	if err != nil {
		return err
	}
	if err := f.fs.Write(ctx, k, bytes.NewReader(result.Marshal())); err != nil {
		telemetry.RecordActionCacheOp(ctx, "filesystem", "put", "error")
		return fmt.Errorf("writing action result %s: %w", k, err)
	}
	telemetry.RecordActionCacheOp(ctx, "filesystem", "put", "success")
	return nil
}

var _ ActionCache = (*Filesystem)(nil)
