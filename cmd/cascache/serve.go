package main

import (
	"context"
	"time"

	"github.com/wolfeidau/cas-cache/server"
	"github.com/wolfeidau/cas-cache/store/gc"
)

// ServeCmd serves the cache over HTTP until interrupted.
type ServeCmd struct {
	Address         string        `help:"Address to listen on. Overrides server.address."`
	ShutdownTimeout time.Duration `help:"How long to wait for in-flight requests on shutdown." default:"10s"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	actions, err := a.openActionCache()
	if err != nil {
		return err
	}

	address := a.cfg.Server.Address
	if c.Address != "" {
		address = c.Address
	}

	opts := []server.Option{server.WithActionCache(actions)}
	if interval := a.cfg.SweepInterval(); interval > 0 {
		mgr := gc.New(a.cache, gc.Config{
			Interval:     interval,
			StartupDelay: a.cfg.SweepStartupDelay(),
			SkipOrphans:  a.cfg.KeepOrphans,
		}, gc.WithLogger(a.logger.With("component", "gc")))
		opts = append(opts, server.WithGC(mgr))
	}

	srv := server.New(server.Config{
		Address:   address,
		AuthToken: a.cfg.Server.Token,
		Logger:    a.logger.With("component", "server"),
	}, a.cache, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	a.logger.Info("server started",
		"address", srv.Address(),
		"root", a.cache.Root(),
		"entries", a.cache.Stats().Entries,
		"remote", a.cfg.Remote.URL,
		"action_cache", a.cfg.ActionCache.Backend,
	)

	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
