package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/cas-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// CacheState is a point-in-time view of the cache used to update gauges.
type CacheState struct {
	SizeBytes           int64
	MaxSizeBytes        int64
	PinnedBytes         int64
	Entries             int64
	UnreferencedEntries int64
	Directories         int64
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	putSize          metric.Float64Histogram
	acquiresTotal    metric.Int64Counter
	cacheFullTotal   metric.Int64Counter
	underflowsTotal  metric.Int64Counter
	pinnedSkipsTotal metric.Int64Counter

	evictionsTotal      metric.Int64Counter
	evictionBytesTotal  metric.Int64Counter
	evictionRunDuration metric.Float64Histogram

	remoteFetchDuration   metric.Float64Histogram
	remoteFetchTotal      metric.Int64Counter
	remoteFetchBytesTotal metric.Int64Counter
	fetchSharedTotal      metric.Int64Counter

	materializeDuration metric.Float64Histogram
	materializeTotal    metric.Int64Counter

	reconcileDuration metric.Float64Histogram
	reconcileEntries  metric.Int64Counter

	actionCacheOpsTotal metric.Int64Counter

	gcDeletedTotal metric.Int64Counter
	gcDuration     metric.Float64Histogram

	cacheSizeBytes    metric.Int64Gauge
	cacheMaxSizeBytes metric.Int64Gauge
	cachePinnedBytes  metric.Int64Gauge
	cacheEntries      metric.Int64Gauge
	cacheDirectories  metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cas-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// still collect when nothing exports
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first error raised while creating instruments so
// that newMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return g
}

func (in *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && in.err == nil {
		in.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	fetchBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	sizeBuckets    = []float64{128, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		requestsTotal:           in.counter("cas_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      in.counter("cas_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         in.histogram("cas_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets...),
		requestsByEndpointTotal: in.counter("cas_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		backendRequestDuration: in.histogram("cas_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s", latencyBuckets...),
		backendRequestsTotal:   in.counter("cas_cache_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:      in.counter("cas_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		putSize:          in.histogram("cas_cache_put_size_bytes", "Size of blobs offered to the store", "By", sizeBuckets...),
		acquiresTotal:    in.counter("cas_cache_acquires_total", "Total acquire attempts by result", "{acquire}"),
		cacheFullTotal:   in.counter("cas_cache_cache_full_total", "Total operations rejected because pinned content fills the cache", "{error}"),
		underflowsTotal:  in.counter("cas_cache_reference_underflows_total", "Total releases of entries with no outstanding references", "{error}"),
		pinnedSkipsTotal: in.counter("cas_cache_pinned_skips_total", "Total eviction candidates skipped because they were pinned", "{skip}"),

		evictionsTotal:      in.counter("cas_cache_evictions_total", "Total entries evicted", "{entry}"),
		evictionBytesTotal:  in.counter("cas_cache_eviction_bytes_total", "Total bytes freed by eviction", "By"),
		evictionRunDuration: in.histogram("cas_cache_eviction_run_duration_seconds", "Duration of eviction runs", "s", latencyBuckets...),

		remoteFetchDuration:   in.histogram("cas_cache_remote_fetch_duration_seconds", "Duration of remote fetch requests", "s", fetchBuckets...),
		remoteFetchTotal:      in.counter("cas_cache_remote_fetch_total", "Total number of remote fetch requests", "{request}"),
		remoteFetchBytesTotal: in.counter("cas_cache_remote_fetch_bytes_total", "Total bytes fetched from the remote", "By"),
		fetchSharedTotal:      in.counter("cas_cache_fetch_shared_total", "Total fetches that joined an in-flight download", "{fetch}"),

		materializeDuration: in.histogram("cas_cache_materialize_duration_seconds", "Duration of directory tree materialization", "s", fetchBuckets...),
		materializeTotal:    in.counter("cas_cache_materialize_total", "Total directory tree materializations", "{tree}"),

		reconcileDuration: in.histogram("cas_cache_reconcile_duration_seconds", "Duration of startup reconciliation", "s", fetchBuckets...),
		reconcileEntries:  in.counter("cas_cache_reconcile_entries_total", "Entries seen by startup reconciliation by outcome", "{entry}"),

		actionCacheOpsTotal: in.counter("cas_cache_action_cache_ops_total", "Total action cache operations", "{op}"),

		gcDeletedTotal: in.counter("cas_cache_gc_deleted_total", "Total entries deleted by garbage collection phases", "{entry}"),
		gcDuration:     in.histogram("cas_cache_gc_duration_seconds", "Duration of garbage collection phases", "s", fetchBuckets...),

		cacheSizeBytes:    in.gauge("cas_cache_size_bytes", "Current bytes stored in the cache", "By"),
		cacheMaxSizeBytes: in.gauge("cas_cache_max_size_bytes", "Configured maximum cache size", "By"),
		cachePinnedBytes:  in.gauge("cas_cache_pinned_bytes", "Bytes held by referenced entries", "By"),
		cacheEntries:      in.gauge("cas_cache_entries", "Current entries by state", "{entry}"),
		cacheDirectories:  in.gauge("cas_cache_directories", "Current directory entries", "{entry}"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Surface and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	surface := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordPut records a put with its size. result is "new", "exists",
// "mismatch", "full" or "error".
func RecordPut(ctx context.Context, kind, result string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", result),
	}
	globalMetrics.putSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordAcquire records a local lookup. result is "hit" or "miss".
func RecordAcquire(ctx context.Context, kind, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", result),
	}
	globalMetrics.acquiresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheFull records an operation rejected with a full cache.
func RecordCacheFull(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheFullTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordUnderflow records a release with no matching acquire.
func RecordUnderflow(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.underflowsTotal.Add(ctx, 1)
}

// RecordPinnedSkip records an eviction candidate skipped because it was pinned.
func RecordPinnedSkip(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pinnedSkipsTotal.Add(ctx, 1)
}

// RecordEviction records a single eviction.
// reason is "capacity", "sweep", "reconcile" or "gc".
func RecordEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordEvictionRun records the duration of one eviction run.
func RecordEvictionRun(ctx context.Context, reason string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRemoteFetch records a remote fetch request. sizeClass is one of the
// buckets returned by SizeClass.
func RecordRemoteFetch(ctx context.Context, provider, sizeClass string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("size_class", sizeClass),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordFetchShared records a fetch that was satisfied by another caller's download.
func RecordFetchShared(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchSharedTotal.Add(ctx, 1)
}

// RecordMaterialize records a directory tree materialization.
func RecordMaterialize(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.materializeTotal.Add(ctx, 1, attrs)
	globalMetrics.materializeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordReconcile records the outcome of startup reconciliation.
func RecordReconcile(ctx context.Context, duration time.Duration, entries, orphans, evicted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reconcileDuration.Record(ctx, duration.Seconds())
	globalMetrics.reconcileEntries.Add(ctx, int64(entries), metric.WithAttributes(attribute.String("outcome", "indexed")))
	globalMetrics.reconcileEntries.Add(ctx, int64(orphans), metric.WithAttributes(attribute.String("outcome", "orphan")))
	globalMetrics.reconcileEntries.Add(ctx, int64(evicted), metric.WithAttributes(attribute.String("outcome", "evicted")))
}

// RecordActionCacheOp records an action cache operation.
// op is "get" or "put", result is "hit", "miss", "success" or "error".
func RecordActionCacheOp(ctx context.Context, store, op, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("result", result),
	}
	globalMetrics.actionCacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGCPhase records one garbage collection phase's deleted count and duration.
// Called unconditionally per phase.
func RecordGCPhase(ctx context.Context, phase string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	globalMetrics.gcDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.gcDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateCacheState updates all cache-state gauges.
func UpdateCacheState(ctx context.Context, s CacheState) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSizeBytes.Record(ctx, s.SizeBytes)
	globalMetrics.cacheMaxSizeBytes.Record(ctx, s.MaxSizeBytes)
	globalMetrics.cachePinnedBytes.Record(ctx, s.PinnedBytes)
	globalMetrics.cacheEntries.Record(ctx, s.Entries-s.UnreferencedEntries, metric.WithAttributes(attribute.String("state", "referenced")))
	globalMetrics.cacheEntries.Record(ctx, s.UnreferencedEntries, metric.WithAttributes(attribute.String("state", "unreferenced")))
	globalMetrics.cacheDirectories.Record(ctx, s.Directories)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
