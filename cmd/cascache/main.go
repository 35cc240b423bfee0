// Command cascache runs and inspects a disk-resident content addressable cache.
package main

import (
	"context"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/cas-cache/config"
)

var version = "dev"

// Globals are flags shared by every command. Set flags override the config file.
type Globals struct {
	Config    string `help:"Path to a TOML config file." type:"path" env:"CASCACHE_CONFIG"`
	Root      string `help:"Cache root directory." env:"CASCACHE_ROOT"`
	MaxSize   string `help:"Maximum cache size, e.g. 500GiB." env:"CASCACHE_MAX_SIZE"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

// CLI is the command line grammar.
type CLI struct {
	Globals

	Start StartCmd `cmd:"" help:"Open the cache, reconcile it with disk and report its contents."`
	Serve ServeCmd `cmd:"" help:"Serve the cache and action cache over HTTP."`
	Get   GetCmd   `cmd:"" help:"Write a blob to stdout, fetching it from the remote if needed."`
	Tree  TreeCmd  `cmd:"" help:"Materialize a directory tree and list its contents."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("cascache"),
		kong.Description("A disk-resident content addressable cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// load reads the config file and applies flag overrides.
func (g *Globals) load() (*config.Config, error) {
	return config.Load(g.Config, func(c *config.Config) {
		if g.Root != "" {
			c.Root = g.Root
		}
		if g.MaxSize != "" {
			c.MaxSize = g.MaxSize
		}
		if g.LogLevel != "" {
			c.Log.Level = g.LogLevel
		}
		if g.LogFormat != "" {
			c.Log.Format = g.LogFormat
		}
	})
}

// newLogger builds the process logger. Logs go to stderr so that command
// output on stdout stays clean.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.LogLevel()
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
}
