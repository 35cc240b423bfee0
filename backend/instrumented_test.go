package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := newInstrumented(t)

	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_StageCommit(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	staged, err := ib.Stage(ctx)
	require.NoError(t, err)
	defer func() { _ = staged.Abort() }()

	n, err := staged.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, staged.Commit("staged/key"))

	exists, err := ib.Exists(ctx, "staged/key")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_DeleteRename(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "del/key", strings.NewReader("bye")))
	require.NoError(t, ib.Rename(ctx, "del/key", "del/moved"))
	require.NoError(t, ib.Delete(ctx, "del/moved"))

	exists, err := ib.Exists(ctx, "del/moved")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_Walk(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "list/b", strings.NewReader("b")))

	var keys []string
	require.NoError(t, ib.Walk(ctx, "list", func(info FileInfo) error {
		keys = append(keys, info.Key)
		return nil
	}))
	require.Equal(t, []string{"list/a", "list/b"}, keys)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
