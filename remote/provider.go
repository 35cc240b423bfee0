// Package remote provides content providers that a cache falls back to on a
// local miss.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	cascache "github.com/wolfeidau/cas-cache"
)

// ProviderFunc adapts a function to the store's Provider interface.
type ProviderFunc func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
	return f(ctx, d, offset)
}

// Memory serves content from an in-process map. It is used to seed caches
// in tests and tools.
type Memory struct {
	hf cascache.HashFunction

	mu      sync.Mutex
	blobs   map[cascache.Digest][]byte
	fetches map[cascache.Digest]int
}

// NewMemory creates an empty Memory provider addressing content with hf.
func NewMemory(hf cascache.HashFunction) *Memory {
	return &Memory{
		hf:      hf,
		blobs:   make(map[cascache.Digest][]byte),
		fetches: make(map[cascache.Digest]int),
	}
}

// Add stores data and returns its digest.
func (m *Memory) Add(data []byte) cascache.Digest {
	d := m.hf.Compute(data)
	m.mu.Lock()
	m.blobs[d] = bytes.Clone(data)
	m.mu.Unlock()
	return d
}

// Set stores data under d without checking it, to simulate a misbehaving remote.
func (m *Memory) Set(d cascache.Digest, data []byte) {
	m.mu.Lock()
	m.blobs[d] = bytes.Clone(data)
	m.mu.Unlock()
}

// Fetches returns how many times d was requested.
func (m *Memory) Fetches(d cascache.Digest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[d]
}

// TotalFetches returns the number of requests served.
func (m *Memory) TotalFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.fetches {
		n += c
	}
	return n
}

// Fetch implements the store's Provider interface.
func (m *Memory) Fetch(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", cascache.ErrRemoteUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[d]++

	data, ok := m.blobs[d]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", cascache.ErrRemoteUnavailable, cascache.ErrRemoteNotFound, d)
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, fmt.Errorf("%w: offset %d out of range for %s", cascache.ErrRemoteUnavailable, offset, d)
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}
