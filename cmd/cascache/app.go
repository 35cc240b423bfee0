package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/wolfeidau/cas-cache/ac"
	"github.com/wolfeidau/cas-cache/config"
	"github.com/wolfeidau/cas-cache/remote"
	"github.com/wolfeidau/cas-cache/store"
	"github.com/wolfeidau/cas-cache/telemetry"
)

// app holds the components a command opened and closes them in reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  *store.FileCache

	reconciled *store.ReconcileResult
	closers    []func() error
}

// openApp loads configuration, initializes metrics and starts the cache.
func (g *Globals) openApp(ctx context.Context) (_ *app, err error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg, os.Stderr)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Metrics.Prometheus || cfg.Metrics.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
			EnablePrometheus: cfg.Metrics.Prometheus,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
		a.onClose(func() error { return shutdown(context.Background()) })
	}

	storeCfg, err := cfg.StoreConfig(a.logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	// sweeps must stop before the cache closes, so the pool is registered after it
	pool := store.NewPoolExecutor(cfg.Sweep.Workers, a.logger.With("component", "sweep"))
	defer func() {
		if err != nil {
			_ = pool.Close()
		}
	}()
	opts := []store.Option{store.WithExecutor(pool)}
	if cfg.Remote.URL != "" {
		provider, err := remote.NewHTTPProvider(cfg.Remote.URL,
			remote.WithToken(cfg.Remote.Token),
			remote.WithTimeout(cfg.RemoteTimeout()),
			remote.WithLogger(a.logger.With("component", "remote")),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithProvider(provider))
	}

	cache, err := store.New(storeCfg, opts...)
	if err != nil {
		return nil, err
	}
	reconciled, err := cache.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting cache: %w", err)
	}
	a.cache = cache
	a.reconciled = reconciled
	a.onClose(cache.Close)
	a.onClose(pool.Close)

	return a, nil
}

// openActionCache opens the configured action cache backend.
func (a *app) openActionCache() (ac.ActionCache, error) {
	logger := a.logger.With("component", "action_cache")
	switch a.cfg.ActionCache.Backend {
	case "bolt":
		b, err := ac.OpenBolt(a.cfg.ActionCache.Path, ac.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.onClose(b.Close)
		return b, nil
	default:
		return ac.NewFilesystem(a.cfg.ActionCache.Path, ac.WithLogger(logger))
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
