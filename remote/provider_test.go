package remote

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	cascache "github.com/wolfeidau/cas-cache"
)

func TestProviderFunc(t *testing.T) {
	var called cascache.Digest
	p := ProviderFunc(func(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
		called = d
		return io.NopCloser(strings.NewReader("ok")), nil
	})

	d := cascache.SHA256.Compute([]byte("ok"))
	rc, err := p.Fetch(context.Background(), d, 0)
	require.NoError(t, err)
	_ = rc.Close()
	require.Equal(t, d, called)
}

func TestMemory(t *testing.T) {
	m := NewMemory(cascache.SHA256)
	d := m.Add([]byte("memory"))

	rc, err := m.Fetch(context.Background(), d, 2)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "mory", string(got))
	require.Equal(t, 1, m.Fetches(d))

	missing := cascache.SHA256.Compute([]byte("missing"))
	_, err = m.Fetch(context.Background(), missing, 0)
	require.ErrorIs(t, err, cascache.ErrRemoteNotFound)
	require.ErrorIs(t, err, cascache.ErrRemoteUnavailable)
	require.Equal(t, 2, m.TotalFetches())

	_, err = m.Fetch(context.Background(), d, 100)
	require.ErrorIs(t, err, cascache.ErrRemoteUnavailable)
}
