package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	cascache "github.com/wolfeidau/cas-cache"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root must be set")
	}
	if _, err := c.MaxSizeBytes(); err != nil {
		return err
	}
	if _, err := cascache.ParseHashFunction(c.HashFunction); err != nil {
		return fmt.Errorf("hash_function: %w", err)
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateActionCache(); err != nil {
		return err
	}
	if err := c.validateSweep(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRemote() error {
	if err := validateDuration("remote.timeout", c.Remote.Timeout); err != nil {
		return err
	}
	if c.Remote.URL == "" {
		return nil
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil {
		return fmt.Errorf("remote.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote.url must be http or https, got %q", c.Remote.URL)
	}
	return nil
}

func (c *Config) validateActionCache() error {
	switch c.ActionCache.Backend {
	case "filesystem", "bolt":
		return nil
	default:
		return fmt.Errorf("action_cache.backend must be filesystem or bolt, got %q", c.ActionCache.Backend)
	}
}

func (c *Config) validateSweep() error {
	if err := validateDuration("sweep.interval", c.Sweep.Interval); err != nil {
		return err
	}
	if err := validateDuration("sweep.startup_delay", c.Sweep.StartupDelay); err != nil {
		return err
	}
	high, low := c.Sweep.HighWaterPercent, c.Sweep.LowWaterPercent
	if high < 1 || high > 100 {
		return fmt.Errorf("sweep.high_water_percent must be between 1 and 100, got %d", high)
	}
	if low < 1 || low > high {
		return fmt.Errorf("sweep.low_water_percent must be between 1 and high_water_percent, got %d", low)
	}
	if c.Sweep.Workers < 1 {
		return errors.New("sweep.workers must be at least 1")
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func validateDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	return nil
}
