package telemetry

import (
	"context"
	"net/http"
	"strconv"
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
	meterName = "github.com/wolfeidau/vfs-cache"
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

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	handleOpsTotal   metric.Int64Counter
	handleOpDuration metric.Float64Histogram
	handleBytesTotal metric.Int64Counter

	cacheLookupsTotal   metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheLoadBytesTotal metric.Int64Counter

	gzipSnapshotsTotal metric.Int64Counter
	gzipRestoresTotal  metric.Int64Counter
	streamRestarts     metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	propCacheLookupsTotal metric.Int64Counter

	// Disk block store metrics
	blockStoreAdmissions metric.Int64Counter
	blockStoreEvictions  metric.Int64Counter
	blockStorePromotions metric.Int64Counter
	blockStoreBytes      metric.Int64Gauge

	// Paging metrics
	pageFaultsTotal    metric.Int64Counter
	pageFillsTotal     metric.Int64Counter
	pageFillDuration   metric.Float64Histogram
	pageEvictionsTotal metric.Int64Counter
	pagesResident      metric.Int64Gauge

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
		cfg.ServiceName = "vfs-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	m.handleOpsTotal, err = meter.Int64Counter(
		"vfs_handle_ops_total",
		metric.WithDescription("Total number of virtual file operations"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.handleOpDuration, err = meter.Float64Histogram(
		"vfs_handle_op_duration_seconds",
		metric.WithDescription("Duration of virtual file operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.handleBytesTotal, err = meter.Int64Counter(
		"vfs_handle_bytes_total",
		metric.WithDescription("Total bytes transferred through virtual file handles"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheLookupsTotal, err = meter.Int64Counter(
		"vfs_cache_lookups_total",
		metric.WithDescription("Total cache decorator lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheEvictionsTotal, err = meter.Int64Counter(
		"vfs_cache_evictions_total",
		metric.WithDescription("Total blocks evicted from cache decorators"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheLoadBytesTotal, err = meter.Int64Counter(
		"vfs_cache_load_bytes_total",
		metric.WithDescription("Total bytes loaded from the underlying handle by cache decorators"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.gzipSnapshotsTotal, err = meter.Int64Counter(
		"vfs_gzip_snapshots_total",
		metric.WithDescription("Total decoder snapshots captured"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, err
	}

	m.gzipRestoresTotal, err = meter.Int64Counter(
		"vfs_gzip_restores_total",
		metric.WithDescription("Total backward seeks served by restoring a snapshot or rewinding"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		return nil, err
	}

	m.streamRestarts, err = meter.Int64Counter(
		"vfs_stream_restarts_total",
		metric.WithDescription("Total streaming producer restarts caused by backward seeks"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"vfs_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchTotal, err = meter.Int64Counter(
		"vfs_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"vfs_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.propCacheLookupsTotal, err = meter.Int64Counter(
		"vfs_propcache_lookups_total",
		metric.WithDescription("Total persistent property cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockStoreAdmissions, err = meter.Int64Counter(
		"vfs_blockstore_admissions_total",
		metric.WithDescription("Total blocks admitted to the disk block store"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockStoreEvictions, err = meter.Int64Counter(
		"vfs_blockstore_evictions_total",
		metric.WithDescription("Total blocks evicted from the disk block store"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockStorePromotions, err = meter.Int64Counter(
		"vfs_blockstore_promotions_total",
		metric.WithDescription("Total blocks promoted or given a second chance in the disk block store"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockStoreBytes, err = meter.Int64Gauge(
		"vfs_blockstore_bytes",
		metric.WithDescription("Bytes held in each disk block store queue"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.pageFaultsTotal, err = meter.Int64Counter(
		"vfs_paging_faults_total",
		metric.WithDescription("Total page faults handled for paged regions"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, err
	}

	m.pageFillsTotal, err = meter.Int64Counter(
		"vfs_paging_fills_total",
		metric.WithDescription("Total pages filled by region callbacks"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.pageFillDuration, err = meter.Float64Histogram(
		"vfs_paging_fill_duration_seconds",
		metric.WithDescription("Duration of page fill callbacks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.pageEvictionsTotal, err = meter.Int64Counter(
		"vfs_paging_evictions_total",
		metric.WithDescription("Total pages evicted from paged regions"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.pagesResident, err = meter.Int64Gauge(
		"vfs_paging_resident_pages",
		metric.WithDescription("Pages currently mapped across all paged regions"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
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

// RecordHandleOp records one virtual file operation served by the handler
// registered under prefix.
func RecordHandleOp(ctx context.Context, prefix, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("handler", prefix),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.handleOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.handleOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.handleBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records a hit or miss in a caching decorator.
// cache is "ring", "block" or "stream".
func RecordCacheLookup(ctx context.Context, cache string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("cache", cache),
		attribute.String("result", string(result)),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLoad records bytes loaded from the underlying handle on a miss.
func RecordCacheLoad(ctx context.Context, cache string, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.cacheLoadBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("cache", cache)))
}

// RecordCacheEviction records a block evicted from a caching decorator.
func RecordCacheEviction(ctx context.Context, cache string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// RecordGzipSnapshot records a decoder snapshot capture.
func RecordGzipSnapshot(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gzipSnapshotsTotal.Add(ctx, 1)
}

// RecordGzipRestore records a backward seek. source is "snapshot" or "rewind".
func RecordGzipRestore(ctx context.Context, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gzipRestoresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordStreamRestart records a streaming producer restart.
func RecordStreamRestart(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	handler := HandlerFromContext(ctx)
	globalMetrics.streamRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", handler)))
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, handler string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("handler", handler),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordPropCacheLookup records a persistent property cache lookup.
// result is "hit", "miss" or "expired".
func RecordPropCacheLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.propCacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBlockStoreAdmission records a block admitted to queue. reason is
// "new" or "ghost_hit".
func RecordBlockStoreAdmission(ctx context.Context, queue, reason string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	}
	globalMetrics.blockStoreAdmissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBlockStoreEviction records a block deleted from queue.
func RecordBlockStoreEviction(ctx context.Context, queue string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blockStoreEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordBlockStorePromotion records a block kept by the eviction pass. kind
// is "promote" (small to main) or "second_chance".
func RecordBlockStorePromotion(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blockStorePromotions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// UpdateBlockStoreBytes sets the bytes held in the small and main queues.
func UpdateBlockStoreBytes(ctx context.Context, small, main int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blockStoreBytes.Record(ctx, small, metric.WithAttributes(attribute.String("queue", "small")))
	globalMetrics.blockStoreBytes.Record(ctx, main, metric.WithAttributes(attribute.String("queue", "main")))
}

// RecordPageFault records a handled page fault. op is the access class
// ("load", "store", "unknown" or "pin").
func RecordPageFault(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.pageFaultsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPageFill records one page fill and its duration.
func RecordPageFill(ctx context.Context, writable bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("writable", strconv.FormatBool(writable)))
	globalMetrics.pageFillsTotal.Add(ctx, 1, attrs)
	globalMetrics.pageFillDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPageEvict records a page eviction. dirty pages were written back.
func RecordPageEvict(ctx context.Context, dirty bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pageEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("dirty", strconv.FormatBool(dirty))))
}

// UpdatePagesResident records the number of pages currently mapped.
func UpdatePagesResident(ctx context.Context, pages int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pagesResident.Record(ctx, int64(pages))
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
