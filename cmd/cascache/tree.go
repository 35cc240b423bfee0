package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/tree"
)

// TreeCmd materializes a directory and lists every entry in it.
type TreeCmd struct {
	Digest      string `arg:"" help:"Root directory digest as hash/size."`
	Concurrency int    `help:"Maximum concurrent fetches." default:"16"`
}

func (c *TreeCmd) Run(ctx context.Context, g *Globals) error {
	d, err := cascache.ParseDigest(c.Digest)
	if err != nil {
		return err
	}

	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	m := tree.New(a.cache,
		tree.WithConcurrency(c.Concurrency),
		tree.WithLogger(a.logger.With("component", "tree")),
	)
	t, err := m.Resolve(ctx, d)
	if err != nil {
		return err
	}
	defer func() { _ = t.Release() }()

	return printTree(os.Stdout, t)
}

func printTree(w io.Writer, t *tree.Tree) error {
	err := t.Walk(func(dir string, n *tree.Node) error {
		fmt.Fprintf(w, "%s/\t%s\n", dir, n.Digest)
		for _, f := range n.Files {
			mode := "-"
			if f.IsExecutable {
				mode = "x"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", path.Join(dir, f.Name), mode, f.Digest)
		}
		for _, s := range n.Symlinks {
			fmt.Fprintf(w, "%s\t->\t%s\n", path.Join(dir, s.Name), s.Target)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s := t.Stats()
	fmt.Fprintf(w, "%d directories, %d files, %d symlinks, %s\n",
		s.Directories, s.Files, s.Symlinks, humanize.IBytes(uint64(s.FileBytes)))
	return nil
}
