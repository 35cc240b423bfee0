package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/cas-cache/telemetry"
)

// phaseOrphans removes files under the store root that the index does not know about.
func (m *Manager) phaseOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: delete orphans")
	start := time.Now()

	n, err := m.cache.SweepOrphans(ctx)
	result.OrphansDeleted = n
	telemetry.RecordGCPhase(ctx, "orphans", n, time.Since(start))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep orphans: %v", err))
		m.logger.Error("failed to sweep orphans", "error", err)
	}
}

// phaseEvict drains unreferenced entries down to the low water mark once the
// store has crossed its high water mark.
func (m *Manager) phaseEvict(ctx context.Context, result *Result) {
	m.logger.Debug("phase: watermark eviction")
	start := time.Now()

	size := m.cache.Stats().SizeBytes
	if size <= m.cache.HighWaterBytes() {
		telemetry.RecordGCPhase(ctx, "evict", 0, time.Since(start))
		return
	}

	n, err := m.cache.EvictTo(ctx, m.cache.LowWaterBytes())
	result.EntriesEvicted = n
	telemetry.RecordGCPhase(ctx, "evict", n, time.Since(start))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("evict: %v", err))
		m.logger.Error("failed to evict to low water mark",
			"size_bytes", size,
			"low_water_bytes", m.cache.LowWaterBytes(),
			"error", err,
		)
	}
}
