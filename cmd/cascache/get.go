package main

import (
	"context"
	"fmt"
	"io"
	"os"

	cascache "github.com/wolfeidau/cas-cache"
)

// GetCmd writes one blob to stdout or a file.
type GetCmd struct {
	Digest string `arg:"" help:"Blob digest as hash/size."`
	Output string `short:"o" help:"Write to this file instead of stdout." type:"path"`
}

func (c *GetCmd) Run(ctx context.Context, g *Globals) error {
	d, err := cascache.ParseDigest(c.Digest)
	if err != nil {
		return err
	}

	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	blob, err := a.cache.Resolve(ctx, d)
	if err != nil {
		return err
	}
	defer func() { _ = blob.Close() }()

	var w io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	if _, err := io.Copy(w, blob); err != nil {
		return fmt.Errorf("writing %s: %w", d, err)
	}
	return nil
}
