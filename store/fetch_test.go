package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/remote"
)

func TestFetch_LocalHit(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{}, WithProvider(mem))
	d := putContent(t, c, []byte("local"))

	require.NoError(t, c.Fetch(context.Background(), d, cascache.KindBlob))
	require.EqualValues(t, 1, refCount(t, c, d))
	require.Zero(t, mem.TotalFetches())
}

func TestFetch_NoProvider(t *testing.T) {
	c := newTestCache(t, Config{})
	d, _ := content(t, "nowhere", 10)

	err := c.Fetch(context.Background(), d, cascache.KindBlob)
	require.ErrorIs(t, err, cascache.ErrNotFoundLocally)
}

func TestFetch_InvalidDigest(t *testing.T) {
	c := newTestCache(t, Config{})

	err := c.Fetch(context.Background(), cascache.NewDigest("nothex", 1), cascache.KindBlob)
	require.ErrorIs(t, err, cascache.ErrInvalidDigest)
}

func TestFetch_Miss(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{}, WithProvider(mem))
	ctx := context.Background()
	d := mem.Add([]byte("fetched from remote"))

	require.NoError(t, c.Fetch(ctx, d, cascache.KindBlob))
	require.True(t, c.Contains(d))
	require.EqualValues(t, 1, refCount(t, c, d))
	require.Equal(t, "fetched from remote", string(readAll(t, c, d)))
	require.EqualValues(t, 1, c.Stats().Fetches)

	// now local
	require.NoError(t, c.Fetch(ctx, d, cascache.KindBlob))
	require.EqualValues(t, 2, refCount(t, c, d))
	require.Equal(t, 1, mem.Fetches(d))
	requireNoStaged(t, c)
}

func TestFetch_Directory(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{}, WithProvider(mem))
	d := mem.Add([]byte("directory message"))

	require.NoError(t, c.Fetch(context.Background(), d, cascache.KindDirectory))
	info, ok := c.Entry(d)
	require.True(t, ok)
	require.Equal(t, cascache.KindDirectory, info.Kind)
	require.EqualValues(t, 1, c.Stats().Directories)
}

func TestFetch_UpgradesLocalBlob(t *testing.T) {
	c := newTestCache(t, Config{})
	d := putContent(t, c, []byte("was a blob"))

	require.NoError(t, c.Fetch(context.Background(), d, cascache.KindDirectory))
	info, ok := c.Entry(d)
	require.True(t, ok)
	require.Equal(t, cascache.KindDirectory, info.Kind)
	require.EqualValues(t, 1, info.RefCount)
}

func TestFetch_SharedDownload(t *testing.T) {
	data := []byte("shared download")
	d := cascache.SHA256.Compute(data)

	var calls atomic.Int32
	unblock := make(chan struct{})
	provider := remote.ProviderFunc(func(ctx context.Context, got cascache.Digest, offset int64) (io.ReadCloser, error) {
		calls.Add(1)
		<-unblock
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	c := newTestCache(t, Config{}, WithProvider(provider))

	const waiters = 10
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Fetch(context.Background(), d, cascache.KindBlob)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	// let every waiter join the in-flight download
	time.Sleep(100 * time.Millisecond)
	close(unblock)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, waiters, refCount(t, c, d))
	require.EqualValues(t, 1, c.Stats().Entries)
}

func TestFetch_RemoteErrors(t *testing.T) {
	d, data := content(t, "remote", 32)

	tests := []struct {
		name         string
		provider     remote.ProviderFunc
		wantIs       []error
		wantNotIs    []error
		wantContains string
	}{
		{
			name: "not found",
			provider: func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
				return nil, cascache.ErrRemoteNotFound
			},
			wantIs: []error{cascache.ErrRemoteUnavailable, cascache.ErrRemoteNotFound},
		},
		{
			name: "transport failure",
			provider: func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
				return nil, errors.New("connection reset")
			},
			wantIs:       []error{cascache.ErrRemoteUnavailable},
			wantNotIs:    []error{cascache.ErrRemoteNotFound},
			wantContains: "connection reset",
		},
		{
			name: "stream failure",
			provider: func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
				return io.NopCloser(io.MultiReader(bytes.NewReader(data[:10]), errReader{errors.New("stream cut")})), nil
			},
			wantIs:       []error{cascache.ErrRemoteUnavailable},
			wantNotIs:    []error{cascache.ErrDigestMismatch},
			wantContains: "stream cut",
		},
		{
			name: "wrong content",
			provider: func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(strings.Repeat("z", 32))), nil
			},
			wantIs:    []error{cascache.ErrDigestMismatch},
			wantNotIs: []error{cascache.ErrRemoteUnavailable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, Config{}, WithProvider(tt.provider))

			err := c.Fetch(context.Background(), d, cascache.KindBlob)
			require.Error(t, err)
			for _, target := range tt.wantIs {
				require.ErrorIs(t, err, target)
			}
			for _, target := range tt.wantNotIs {
				require.NotErrorIs(t, err, target)
			}
			if tt.wantContains != "" {
				require.ErrorContains(t, err, tt.wantContains)
			}

			require.False(t, c.Contains(d))
			require.Zero(t, c.Stats().SizeBytes)
			requireNoStaged(t, c)
		})
	}
}

func TestFetch_FailureIsRetried(t *testing.T) {
	data := []byte("flaky")
	d := cascache.SHA256.Compute(data)

	var calls atomic.Int32
	provider := remote.ProviderFunc(func(ctx context.Context, got cascache.Digest, offset int64) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporarily unavailable")
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	c := newTestCache(t, Config{}, WithProvider(provider))

	require.ErrorIs(t, c.Fetch(context.Background(), d, cascache.KindBlob), cascache.ErrRemoteUnavailable)
	require.NoError(t, c.Fetch(context.Background(), d, cascache.KindBlob))
	require.EqualValues(t, 2, calls.Load())
}

func TestFetch_CallerCancellation(t *testing.T) {
	data := []byte("slow remote")
	d := cascache.SHA256.Compute(data)

	started := make(chan struct{})
	unblock := make(chan struct{})
	provider := remote.ProviderFunc(func(ctx context.Context, got cascache.Digest, offset int64) (io.ReadCloser, error) {
		close(started)
		<-unblock
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	c := newTestCache(t, Config{}, WithProvider(provider))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Fetch(ctx, d, cascache.KindBlob) }()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// the download carries on without the caller and publishes unreferenced
	close(unblock)
	require.Eventually(t, func() bool { return c.Contains(d) }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, refCount(t, c, d))
}

func TestFetch_TooLargeForCache(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{MaxSizeBytes: 10}, WithProvider(mem))
	d := mem.Add([]byte("this will never fit"))

	err := c.Fetch(context.Background(), d, cascache.KindBlob)
	require.ErrorIs(t, err, cascache.ErrCacheFull)
	require.False(t, c.Contains(d))
}

func TestFetch_NearlyFullCache(t *testing.T) {
	for _, tt := range []struct {
		name string
		pool bool
	}{
		{name: "direct"},
		{name: "pool", pool: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			mem := remote.NewMemory(cascache.SHA256)
			opts := []Option{WithProvider(mem)}
			if tt.pool {
				pool := NewPoolExecutor(1, nil)
				t.Cleanup(func() { _ = pool.Close() })
				opts = append(opts, WithExecutor(pool))
			}
			c := newTestCache(t, Config{MaxSizeBytes: 100}, opts...)
			d := mem.Add(bytes.Repeat([]byte("n"), 96))

			require.NoError(t, c.Fetch(context.Background(), d, cascache.KindBlob))
			require.Equal(t, 1, mem.Fetches(d))
			require.EqualValues(t, 1, refCount(t, c, d))
			require.Zero(t, c.Stats().Evictions)

			require.NoError(t, c.Release(d))
			require.True(t, c.Contains(d))
			require.Equal(t, bytes.Repeat([]byte("n"), 96), readAll(t, c, d))
		})
	}
}

func TestResolve(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{}, WithProvider(mem))
	d := mem.Add([]byte("resolved content"))

	blob, err := c.Resolve(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, d, blob.Digest())
	require.EqualValues(t, 1, refCount(t, c, d))

	got, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "resolved content", string(got))

	require.NoError(t, blob.Close())
	require.Zero(t, refCount(t, c, d))

	// a second close must not release again
	require.NoError(t, blob.Close())
	require.Zero(t, refCount(t, c, d))
}

func TestResolve_NotFound(t *testing.T) {
	mem := remote.NewMemory(cascache.SHA256)
	c := newTestCache(t, Config{}, WithProvider(mem))
	d, _ := content(t, "absent", 8)

	_, err := c.Resolve(context.Background(), d)
	require.ErrorIs(t, err, cascache.ErrRemoteNotFound)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
