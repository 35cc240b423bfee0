// Package config loads the cas-cache TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/store"
)

// Remote configures the provider consulted on local misses.
type Remote struct {
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// ActionCache configures the action result store.
type ActionCache struct {
	Backend string `toml:"backend"` // "filesystem" or "bolt"
	Path    string `toml:"path"`    // Default: <root>/ac or <root>/ac.db
}

// Sweep configures background eviction.
type Sweep struct {
	Interval         string `toml:"interval"`
	StartupDelay     string `toml:"startup_delay"`
	HighWaterPercent int    `toml:"high_water_percent"`
	LowWaterPercent  int    `toml:"low_water_percent"`
	Workers          int    `toml:"workers"`
}

// Server configures the HTTP listener.
type Server struct {
	Address string `toml:"address"`
	// Token, when set, is required as a bearer token on every route except
	// /healthz and /metrics.
	Token string `toml:"token"`
}

// Metrics configures exporters.
type Metrics struct {
	Prometheus   bool   `toml:"prometheus"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Log configures log output.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Config is the complete cas-cache configuration.
type Config struct {
	Root          string      `toml:"root"`
	MaxSize       string      `toml:"max_size"`
	HashFunction  string      `toml:"hash_function"`
	VerifyOnStart bool        `toml:"verify_on_start"`
	KeepOrphans   bool        `toml:"keep_orphans"`
	Remote        Remote      `toml:"remote"`
	ActionCache   ActionCache `toml:"action_cache"`
	Sweep         Sweep       `toml:"sweep"`
	Server        Server      `toml:"server"`
	Metrics       Metrics     `toml:"metrics"`
	Log           Log         `toml:"log"`
}

// Load reads the TOML file at path over the defaults, applies overrides, then
// normalizes and validates the result. An empty path starts from the defaults.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = file.Close() }()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize expands paths and fills values derived from other fields.
func (c *Config) Normalize() error {
	root, err := ExpandPath(c.Root)
	if err != nil {
		return err
	}
	c.Root = root

	c.ActionCache.Backend = strings.ToLower(strings.TrimSpace(c.ActionCache.Backend))
	if c.ActionCache.Path == "" && c.Root != "" {
		switch c.ActionCache.Backend {
		case "bolt":
			c.ActionCache.Path = filepath.Join(c.Root, "ac.db")
		default:
			c.ActionCache.Path = filepath.Join(c.Root, "ac")
		}
	}
	acPath, err := ExpandPath(c.ActionCache.Path)
	if err != nil {
		return err
	}
	c.ActionCache.Path = acPath

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.HashFunction = strings.ToLower(strings.TrimSpace(c.HashFunction))
	return nil
}

// MaxSizeBytes parses MaxSize, which accepts human readable sizes like "500GiB".
func (c *Config) MaxSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("max_size %q: %w", c.MaxSize, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("max_size %q is out of range", c.MaxSize)
	}
	return int64(n), nil
}

// SweepInterval returns how often the background sweep runs. Zero disables it.
func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Sweep.Interval)
}

// SweepStartupDelay returns the delay before the first background sweep.
func (c *Config) SweepStartupDelay() time.Duration {
	return mustDuration(c.Sweep.StartupDelay)
}

// RemoteTimeout returns the timeout for a single remote fetch.
func (c *Config) RemoteTimeout() time.Duration {
	return mustDuration(c.Remote.Timeout)
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// StoreConfig converts the configuration into a store.Config.
func (c *Config) StoreConfig(logger *slog.Logger) (store.Config, error) {
	maxSize, err := c.MaxSizeBytes()
	if err != nil {
		return store.Config{}, err
	}
	hf, err := cascache.ParseHashFunction(c.HashFunction)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Root:                  c.Root,
		MaxSizeBytes:          maxSize,
		HashFunction:          hf,
		VerifyContent:         c.VerifyOnStart,
		KeepOrphans:           c.KeepOrphans,
		SweepHighWaterPercent: c.Sweep.HighWaterPercent,
		SweepLowWaterPercent:  c.Sweep.LowWaterPercent,
		Logger:                logger,
	}, nil
}

// mustDuration parses a duration that Validate has already checked.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ExpandPath resolves a leading "~" and makes the path absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
			p = filepath.Join(home, p[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return absolute, nil
}
