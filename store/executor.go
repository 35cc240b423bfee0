package store

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Task is background work scheduled on an Executor.
type Task func(ctx context.Context) error

// Executor runs background work such as opportunistic eviction sweeps.
//
// Go reports whether the task was accepted. Task errors are logged by the
// executor and never returned to the code that scheduled them.
type Executor interface {
	Go(name string, task Task) bool
}

// DirectExecutor runs every task inline on the calling goroutine.
type DirectExecutor struct {
	Logger *slog.Logger
}

// Go runs task immediately and always reports true.
func (d DirectExecutor) Go(name string, task Task) bool {
	if err := task(context.Background()); err != nil {
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("background task failed", "task", name, "error", err)
	}
	return true
}

// PoolExecutor runs tasks on a bounded set of goroutines. When every slot is
// busy new tasks are dropped rather than queued.
type PoolExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	logger *slog.Logger
}

// NewPoolExecutor creates an executor running at most limit tasks at once.
func NewPoolExecutor(limit int, logger *slog.Logger) *PoolExecutor {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PoolExecutor{ctx: ctx, cancel: cancel, logger: logger}
	p.group.SetLimit(limit)
	return p
}

// Go schedules task if a slot is free.
func (p *PoolExecutor) Go(name string, task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}
	return p.group.TryGo(func() error {
		if err := task(p.ctx); err != nil {
			p.logger.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
}

// Close cancels running tasks and waits for them to return.
func (p *PoolExecutor) Close() error {
	p.cancel()
	return p.group.Wait()
}

var (
	_ Executor = DirectExecutor{}
	_ Executor = (*PoolExecutor)(nil)
)
