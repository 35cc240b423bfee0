// Package tree materializes REAPI directory trees out of the cache. Every
// blob in a resolved tree is referenced until the tree is released.
package tree

import (
	"errors"
	"path"
	"sync"

	cascache "github.com/wolfeidau/cas-cache"
)

// Node is a resolved directory.
type Node struct {
	Name        string
	Digest      cascache.Digest
	Files       []File
	Directories []*Node
	Symlinks    []Symlink
}

// File is a resolved file entry.
type File struct {
	Name         string
	Digest       cascache.Digest
	IsExecutable bool
}

// Symlink is a symbolic link entry. Its target is not resolved.
type Symlink struct {
	Name   string
	Target string
}

// Tree is a materialized directory tree.
type Tree struct {
	Root *Node

	cache Cache
	refs  []cascache.Digest
	once  sync.Once
	err   error
}

// Digests returns the digest of every reference the tree holds, one per
// resolved node. A blob used twice in the tree appears twice.
func (t *Tree) Digests() []cascache.Digest {
	return append([]cascache.Digest(nil), t.refs...)
}

// Release drops every reference held by the tree. It is safe to call more than once.
func (t *Tree) Release() error {
	t.once.Do(func() {
		t.err = releaseAll(t.cache, t.refs)
	})
	return t.err
}

// WalkFunc is called for every directory in a tree with its slash-separated
// path relative to the root ("." for the root itself).
type WalkFunc func(dir string, n *Node) error

// Walk visits directories depth first, parents before children.
func (t *Tree) Walk(fn WalkFunc) error {
	return walk(".", t.Root, fn)
}

func walk(dir string, n *Node, fn WalkFunc) error {
	if err := fn(dir, n); err != nil {
		return err
	}
	for _, child := range n.Directories {
		if err := walk(path.Join(dir, child.Name), child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Stats counts the entries of a tree.
type Stats struct {
	Directories int
	Files       int
	Symlinks    int
	FileBytes   int64
}

// Stats returns entry counts for the whole tree.
func (t *Tree) Stats() Stats {
	var s Stats
	_ = t.Walk(func(_ string, n *Node) error {
		s.Directories++
		s.Files += len(n.Files)
		s.Symlinks += len(n.Symlinks)
		for _, f := range n.Files {
			s.FileBytes += f.Digest.SizeBytes
		}
		return nil
	})
	return s
}

func releaseAll(c Cache, refs []cascache.Digest) error {
	var errs []error
	for _, d := range refs {
		if err := c.Release(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
