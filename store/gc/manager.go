// Package gc runs periodic background maintenance against a CAS store.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/cas-cache/store"
	"go.opentelemetry.io/otel/metric"
)

// Cache is the subset of *store.FileCache the manager drives.
type Cache interface {
	Stats() store.Stats
	HighWaterBytes() int64
	LowWaterBytes() int64
	EvictTo(ctx context.Context, target int64) (int, error)
	SweepOrphans(ctx context.Context) (int, error)
	PublishState(ctx context.Context)
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 5m)
	StartupDelay time.Duration // Delay before first run (default: 1m)
	// SkipOrphans leaves unindexed files under the store root alone.
	SkipOrphans bool
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		StartupDelay: 1 * time.Minute,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	OrphansDeleted int           `json:"orphans_deleted"`
	EntriesEvicted int           `json:"entries_evicted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	SizeBytes      int64         `json:"size_bytes"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs orphan sweeps and watermark eviction on an interval.
type Manager struct {
	cache   Cache
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	runMu   sync.Mutex
	lastRun *Result
}

// New creates a new GC manager.
func New(cache Cache, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:  cache,
		config: config,
		logger: slog.Default(),
	}
	if m.config.Interval <= 0 {
		m.config.Interval = DefaultConfig().Interval
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx, m.stopCh, m.doneCh)
}

// Stop gracefully stops the GC manager. It is safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run. Runs never overlap.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"high_water_bytes", m.cache.HighWaterBytes(),
		"low_water_bytes", m.cache.LowWaterBytes(),
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: time.Now(),
	}
	before := m.cache.Stats().SizeBytes

	m.logger.Debug("starting gc run")

	if !m.config.SkipOrphans {
		m.phaseOrphans(ctx, result)
	}
	m.phaseEvict(ctx, result)

	after := m.cache.Stats().SizeBytes
	result.SizeBytes = after
	if before > after {
		result.BytesReclaimed = before - after
	}
	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.cache.PublishState(ctx)
	m.recordMetrics(ctx, result)

	level := slog.LevelDebug
	if result.OrphansDeleted > 0 || result.EntriesEvicted > 0 || len(result.Errors) > 0 {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, "gc run completed",
		"duration", result.Duration,
		"orphans_deleted", result.OrphansDeleted,
		"entries_evicted", result.EntriesEvicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"size_bytes", result.SizeBytes,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics registers run-level instruments on meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
