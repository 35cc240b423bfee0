package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/cas-cache/store"
)

// StartCmd opens the cache, which reconciles it with the files under the
// root, prints a report and exits.
type StartCmd struct {
	Verbose bool `short:"v" help:"Also report reconcile details."`
}

func (c *StartCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	printStartReport(os.Stdout, a.cache.Stats(), a.reconciled, c.Verbose)
	return nil
}

func printStartReport(w io.Writer, s store.Stats, r *store.ReconcileResult, verbose bool) {
	fmt.Fprintln(w, "CAS Started.")
	fmt.Fprintf(w, "Total Entry Count: %d\n", s.Entries)
	fmt.Fprintf(w, "Unreferenced Entry Count: %d\n", s.UnreferencedEntries)
	fmt.Fprintf(w, "Directory Count: %d\n", s.Directories)
	fmt.Fprintf(w, "Current Size: %s\n", humanize.IBytes(uint64(s.SizeBytes)))
	if !verbose || r == nil {
		return
	}
	fmt.Fprintf(w, "Max Size: %s\n", humanize.IBytes(uint64(s.MaxSizeBytes)))
	fmt.Fprintf(w, "Orphans Removed: %d\n", r.OrphansRemoved)
	fmt.Fprintf(w, "Staged Writes Removed: %d\n", r.StagedRemoved)
	fmt.Fprintf(w, "Evicted: %d\n", r.Evicted)
	fmt.Fprintf(w, "Startup Time: %s\n", r.Duration)
}
