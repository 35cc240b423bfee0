// Package backend provides storage backend abstractions for the cache.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// FileInfo describes a stored key.
type FileInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// WalkFunc is called for every key visited by Walk.
// Returning an error stops the walk.
type WalkFunc func(info FileInfo) error

// Staged is an in-progress write that is invisible until committed.
type Staged interface {
	io.Writer

	// Commit publishes the staged content at key, replacing any existing value.
	Commit(key string) error

	// Abort discards the staged content. It is a no-op after Commit or Abort,
	// so callers can always defer it.
	Abort() error
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Stage starts a write that is only published by Staged.Commit.
	Stage(ctx context.Context) (Staged, error)

	// Write stores data at the given key atomically.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Rename moves data from one key to another.
	// Returns ErrNotFound if from does not exist.
	Rename(ctx context.Context, from, to string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Walk visits every key under prefix in lexical order.
	Walk(ctx context.Context, prefix string, fn WalkFunc) error

	// ClearStaging removes staged writes left behind by a previous process.
	// It returns the number of files removed.
	ClearStaging(ctx context.Context) (int, error)
}
