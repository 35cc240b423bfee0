package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs global metrics backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/cas/abc/3", nil)
	r = InjectTags(r)
	SetSurface(r, "cas")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "cas_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "cas"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "cas_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "cas_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// shared metrics must not include endpoint
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/ac/abc", nil)
	r = InjectTags(r)
	SetSurface(r, "ac")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "get")

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "cas_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "ac"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "get"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "cas_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.Empty(t, findCounter(rm, "cas_cache_http_requests_by_endpoint_total"))
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// none of these may panic before InitMetrics
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "read", "success", time.Millisecond, 10)
	RecordPut(ctx, "blob", "new", 10)
	RecordAcquire(ctx, "blob", "hit")
	RecordCacheFull(ctx, "put")
	RecordUnderflow(ctx)
	RecordPinnedSkip(ctx)
	RecordEviction(ctx, "capacity", 10)
	RecordEvictionRun(ctx, "capacity", time.Millisecond)
	RecordRemoteFetch(ctx, "http", "small", time.Millisecond, 10, "success")
	RecordFetchShared(ctx)
	RecordMaterialize(ctx, "success", time.Millisecond)
	RecordReconcile(ctx, time.Millisecond, 1, 0, 0)
	RecordActionCacheOp(ctx, "bolt", "get", "hit")
	RecordGCPhase(ctx, "orphans", 0, time.Millisecond)
	UpdateCacheState(ctx, CacheState{})
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, "capacity", 100)
	RecordEviction(ctx, "capacity", 50)
	RecordEviction(ctx, "reconcile", 10)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "cas_cache_eviction_bytes_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "reason", "capacity"):
			require.EqualValues(t, 150, dp.Value)
		case hasAttr(dp.Attributes, "reason", "reconcile"):
			require.EqualValues(t, 10, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}
}

func TestUpdateCacheState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateCacheState(context.Background(), CacheState{
		SizeBytes:           300,
		MaxSizeBytes:        1000,
		PinnedBytes:         100,
		Entries:             3,
		UnreferencedEntries: 2,
		Directories:         1,
	})

	rm := collectMetrics(t, reader)

	size := findGauge(rm, "cas_cache_size_bytes")
	require.Len(t, size, 1)
	require.EqualValues(t, 300, size[0].Value)

	entries := findGauge(rm, "cas_cache_entries")
	require.Len(t, entries, 2)
	for _, dp := range entries {
		if hasAttr(dp.Attributes, "state", "unreferenced") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
