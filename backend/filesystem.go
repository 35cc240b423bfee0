package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// stagingDir holds in-progress writes, relative to the root.
	stagingDir = "tmp"

	tmpPattern = ".tmp-*"
)

// Filesystem implements Backend using the local filesystem.
// Writes are staged in a temp directory under the root and renamed into place.
type Filesystem struct {
	root    string
	staging string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	staging := filepath.Join(absRoot, stagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, staging: staging}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the filesystem path for a key.
func (fs *Filesystem) Path(key string) string {
	return fs.keyToPath(key)
}

// Stage creates a temp file in the staging directory.
func (fs *Filesystem) Stage(ctx context.Context) (Staged, error) {
	tmp, err := os.CreateTemp(fs.staging, tmpPattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &stagedFile{fs: fs, f: tmp, tmpPath: tmp.Name()}, nil
}

// Write stores data at the given key using a staged write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	staged, err := fs.Stage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = staged.Abort() }()

	if _, err := io.Copy(staged, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return staged.Commit(key)
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Rename moves data from one key to another.
func (fs *Filesystem) Rename(ctx context.Context, from, to string) error {
	dst := fs.keyToPath(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Rename(fs.keyToPath(from), dst); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Walk visits all keys under prefix. Staged files are never visited.
func (fs *Filesystem) Walk(ctx context.Context, prefix string, fn WalkFunc) error {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fn(FileInfo{Key: prefix, Size: info.Size(), ModTime: info.ModTime()})
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == fs.staging {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		return fn(FileInfo{Key: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()})
	})
	if err != nil {
		return fmt.Errorf("walking directory: %w", err)
	}
	return nil
}

// ClearStaging removes every file in the staging directory.
func (fs *Filesystem) ClearStaging(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(fs.staging)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, os.MkdirAll(fs.staging, 0o755)
		}
		return 0, fmt.Errorf("reading staging directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(fs.staging, e.Name())); err != nil {
			return removed, fmt.Errorf("removing staged file %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// stagedFile wraps a temp file for atomic publication.
type stagedFile struct {
	fs      *Filesystem
	f       *os.File
	tmpPath string
	done    bool
}

// Write implements io.Writer.
func (s *stagedFile) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Commit syncs the temp file and renames it to the key's path.
func (s *stagedFile) Commit(key string) error {
	if s.done {
		return fmt.Errorf("staged write already finished")
	}
	s.done = true

	dst := s.fs.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		_ = s.f.Close()
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("creating directory: %w", err)
	}

	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(s.tmpPath, dst); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort removes the temp file.
func (s *stagedFile) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.f.Close()
	return os.Remove(s.tmpPath)
}

// Compile-time interface checks
var (
	_ Backend = (*Filesystem)(nil)
	_ Staged  = (*stagedFile)(nil)
)
