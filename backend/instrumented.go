package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/cas-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Stage(ctx context.Context) (Staged, error) {
	s, err := ib.backend.Stage(ctx)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "stage", outcomeFromError(err), 0, 0)
		return nil, err
	}
	return &instrumentedStaged{ctx: ctx, ib: ib, staged: s, start: time.Now()}, nil
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Rename(ctx context.Context, from, to string) error {
	start := time.Now()
	err := ib.backend.Rename(ctx, from, to)
	telemetry.RecordBackendOp(ctx, ib.name, "rename", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Walk(ctx context.Context, prefix string, fn WalkFunc) error {
	start := time.Now()
	err := ib.backend.Walk(ctx, prefix, fn)
	telemetry.RecordBackendOp(ctx, ib.name, "walk", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) ClearStaging(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := ib.backend.ClearStaging(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "clear_staging", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// instrumentedStaged records a "commit" op covering the whole staged write.
type instrumentedStaged struct {
	ctx    context.Context
	ib     *InstrumentedBackend
	staged Staged
	start  time.Time
	n      int64
}

func (s *instrumentedStaged) Write(p []byte) (int, error) {
	n, err := s.staged.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *instrumentedStaged) Commit(key string) error {
	err := s.staged.Commit(key)
	telemetry.RecordBackendOp(s.ctx, s.ib.name, "commit", outcomeFromError(err), time.Since(s.start), s.n)
	return err
}

func (s *instrumentedStaged) Abort() error {
	return s.staged.Abort()
}

// Compile-time interface checks
var (
	_ Backend = (*InstrumentedBackend)(nil)
	_ Staged  = (*instrumentedStaged)(nil)
)
