// Package store implements the disk-resident content-addressable cache:
// verified puts, reference counting, LRU eviction of unreferenced entries,
// lazy fetch from a remote provider and startup reconciliation.
package store

import (
	"context"
	"errors"
	"io"
	"log/slog"

	cascache "github.com/wolfeidau/cas-cache"
)

// ErrRootLocked is returned by Start when another process owns the cache root.
var ErrRootLocked = errors.New("cache root is locked by another process")

// Provider supplies content that is missing locally.
//
// Fetch returns a stream of the digest's content starting at offset. It
// should fail with errors wrapping cascache.ErrRemoteNotFound when the remote
// does not have the digest and cascache.ErrRemoteUnavailable otherwise.
type Provider interface {
	Fetch(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error)
}

// Config configures a FileCache.
type Config struct {
	// Root is the directory owned by the cache.
	Root string

	// MaxSizeBytes caps the total size of cached content.
	MaxSizeBytes int64

	// HashFunction used to address content. Default: sha256.
	HashFunction cascache.HashFunction

	// VerifyContent re-hashes every file during startup reconciliation.
	VerifyContent bool

	// KeepOrphans reports unattributable files at startup instead of removing them.
	KeepOrphans bool

	// SweepHighWaterPercent of MaxSizeBytes above which an insertion schedules
	// a background sweep. Default: 95. Values >= 100 disable opportunistic sweeps.
	SweepHighWaterPercent int

	// SweepLowWaterPercent of MaxSizeBytes that background sweeps evict down to.
	// Default: 90.
	SweepLowWaterPercent int

	// VerifyConcurrency bounds parallel hashing during reconciliation. Default: 8.
	VerifyConcurrency int

	// Logger for cache events.
	Logger *slog.Logger
}

const (
	defaultHighWaterPercent  = 95
	defaultLowWaterPercent   = 90
	defaultVerifyConcurrency = 8
)

func (c *Config) setDefaults() {
	if c.HashFunction == "" {
		c.HashFunction = cascache.SHA256
	}
	if c.SweepHighWaterPercent <= 0 {
		c.SweepHighWaterPercent = defaultHighWaterPercent
	}
	if c.SweepLowWaterPercent <= 0 {
		c.SweepLowWaterPercent = defaultLowWaterPercent
	}
	if c.SweepLowWaterPercent > c.SweepHighWaterPercent {
		c.SweepLowWaterPercent = c.SweepHighWaterPercent
	}
	if c.VerifyConcurrency <= 0 {
		c.VerifyConcurrency = defaultVerifyConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// EntryInfo is a snapshot of a cache entry.
type EntryInfo struct {
	Digest     cascache.Digest `json:"digest"`
	Kind       cascache.Kind   `json:"kind"`
	RefCount   int64           `json:"ref_count"`
	LastAccess uint64          `json:"last_access"`
	State      string          `json:"state"`

	// Existed is set by Put when the digest was already present.
	Existed bool `json:"existed,omitempty"`
}

// Stats is a point-in-time view of the cache. Fields are read independently
// so a snapshot taken under concurrent load may be slightly inconsistent.
type Stats struct {
	Entries             int64 `json:"entries"`
	UnreferencedEntries int64 `json:"unreferenced_entries"`
	Directories         int64 `json:"directories"`
	SizeBytes           int64 `json:"size_bytes"`
	UnreferencedBytes   int64 `json:"unreferenced_bytes"`
	MaxSizeBytes        int64 `json:"max_size_bytes"`
	Evictions           int64 `json:"evictions"`
	Fetches             int64 `json:"fetches"`
}
