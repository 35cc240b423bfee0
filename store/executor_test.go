package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectExecutor(t *testing.T) {
	var ran bool
	ok := DirectExecutor{}.Go("inline", func(ctx context.Context) error {
		ran = true
		return errors.New("logged, not returned")
	})
	require.True(t, ok)
	require.True(t, ran)
}

func TestPoolExecutor_DropsWhenBusy(t *testing.T) {
	p := NewPoolExecutor(1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Go("first", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.False(t, p.Go("second", func(ctx context.Context) error { return nil }))

	close(release)
	require.NoError(t, p.Close())
}

func TestPoolExecutor_CloseCancelsTasks(t *testing.T) {
	p := NewPoolExecutor(2, nil)

	var canceled atomic.Bool
	started := make(chan struct{})
	require.True(t, p.Go("long", func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			canceled.Store(true)
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}))
	<-started

	require.NoError(t, p.Close())
	require.True(t, canceled.Load())
	require.False(t, p.Go("late", func(ctx context.Context) error { return nil }))
}
