package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	info, err := os.Stat(filepath.Join(root, stagingDir))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "test/data.txt"
	data := []byte("hello, world!")

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader(data)))

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "exists/test.txt"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "delete/test.txt"

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	require.NoError(t, fs.Delete(ctx, key))

	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// idempotent
	require.NoError(t, fs.Delete(ctx, "nonexistent"))
}

func TestFilesystemStageCommit(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	defer func() { _ = staged.Abort() }()

	_, err = staged.Write([]byte("staged content"))
	require.NoError(t, err)

	// not visible before commit
	exists, err := fs.Exists(ctx, "stage/key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, staged.Commit("stage/key"))

	rc, err := fs.Read(ctx, "stage/key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	require.Equal(t, "staged content", string(got))

	// abort after commit is a no-op
	require.NoError(t, staged.Abort())
	require.Error(t, staged.Commit("stage/other"))
}

func TestFilesystemStageAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "atomic/test.txt"
	original := []byte("original content")

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader(original)))

	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	_, _ = staged.Write([]byte("partial"))
	require.NoError(t, staged.Abort())

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	require.Equal(t, original, got)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), stagingDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "overwrite/test.txt"

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("initial"))))

	newData := []byte("new content that is longer")
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader(newData)))

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func TestFilesystemRename(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a/one", bytes.NewReader([]byte("x"))))
	require.NoError(t, fs.Rename(ctx, "a/one", "b/two"))

	exists, _ := fs.Exists(ctx, "a/one")
	require.False(t, exists)
	exists, _ = fs.Exists(ctx, "b/two")
	require.True(t, exists)

	require.ErrorIs(t, fs.Rename(ctx, "a/missing", "b/three"), ErrNotFound)
}

func TestFilesystemWalk(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{
		"dir1/file1.txt",
		"dir1/file2.txt",
		"dir1/subdir/file3.txt",
		"dir2/file4.txt",
	}
	for _, key := range keys {
		require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	}

	// an in-flight staged write must not be visited
	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	defer func() { _ = staged.Abort() }()

	var all []FileInfo
	require.NoError(t, fs.Walk(ctx, "", func(info FileInfo) error {
		all = append(all, info)
		return nil
	}))
	require.Len(t, all, 4)
	for i, info := range all {
		require.Equal(t, keys[i], info.Key)
		require.Equal(t, int64(4), info.Size)
		require.False(t, info.ModTime.IsZero())
	}

	var dir1 []string
	require.NoError(t, fs.Walk(ctx, "dir1", func(info FileInfo) error {
		dir1 = append(dir1, info.Key)
		return nil
	}))
	require.Equal(t, []string{"dir1/file1.txt", "dir1/file2.txt", "dir1/subdir/file3.txt"}, dir1)

	// missing prefix is empty, not an error
	require.NoError(t, fs.Walk(ctx, "missing", func(FileInfo) error {
		t.Fatal("unexpected visit")
		return nil
	}))
}

func TestFilesystemClearStaging(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for range 3 {
		staged, err := fs.Stage(ctx)
		require.NoError(t, err)
		_, _ = staged.Write([]byte("leftover"))
	}

	removed, err := fs.ClearStaging(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	removed, err = fs.ClearStaging(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
