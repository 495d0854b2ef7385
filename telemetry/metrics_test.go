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

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
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

func TestRecordHandleOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHandleOp(context.Background(), "/vsimem/", "read", "success", 5*time.Millisecond, 4096)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "vfs_handle_ops_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "handler", "/vsimem/"))
	require.True(t, hasAttr(dps[0].Attributes, "op", "read"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "vfs_handle_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 4096, bytesDps[0].Value)

	histDps := findHistogram(rm, "vfs_handle_op_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHandleOp_ZeroBytesSkipsBytesCounter(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHandleOp(context.Background(), "/vsizip/", "stat", "error", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "vfs_handle_ops_total"), 1)
	require.Empty(t, findCounter(rm, "vfs_handle_bytes_total"))
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "ring", CacheHit)
	RecordCacheLookup(ctx, "ring", CacheHit)
	RecordCacheLookup(ctx, "ring", CacheMiss)
	RecordCacheLoad(ctx, "ring", 65536)
	RecordCacheEviction(ctx, "block")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "vfs_cache_lookups_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "result", "hit"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "result", "miss"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	loads := findCounter(rm, "vfs_cache_load_bytes_total")
	require.Len(t, loads, 1)
	require.EqualValues(t, 65536, loads[0].Value)

	evictions := findCounter(rm, "vfs_cache_evictions_total")
	require.Len(t, evictions, 1)
	require.True(t, hasAttr(evictions[0].Attributes, "cache", "block"))
}

func TestRecordStreamRestart_UsesHandlerFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithHandler(context.Background(), "/vsicurl_streaming/")
	RecordStreamRestart(ctx)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "vfs_stream_restarts_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "handler", "/vsicurl_streaming/"))
}

func TestRecordPaging(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPageFault(ctx, "store", "success")
	RecordPageFill(ctx, true, time.Microsecond)
	RecordPageEvict(ctx, true)
	RecordPageEvict(ctx, false)
	UpdatePagesResident(ctx, 7)

	rm := collectMetrics(t, reader)

	faults := findCounter(rm, "vfs_paging_faults_total")
	require.Len(t, faults, 1)
	require.True(t, hasAttr(faults[0].Attributes, "op", "store"))

	fills := findCounter(rm, "vfs_paging_fills_total")
	require.Len(t, fills, 1)
	require.True(t, hasAttr(fills[0].Attributes, "writable", "true"))

	require.Len(t, findCounter(rm, "vfs_paging_evictions_total"), 2)

	resident := findGauge(rm, "vfs_paging_resident_pages")
	require.Len(t, resident, 1)
	require.EqualValues(t, 7, resident[0].Value)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordHandleOp(ctx, "/vsimem/", "read", "success", time.Millisecond, 1)
	RecordCacheLookup(ctx, "ring", CacheHit)
	RecordCacheLoad(ctx, "ring", 1)
	RecordCacheEviction(ctx, "block")
	RecordGzipSnapshot(ctx)
	RecordGzipRestore(ctx, "snapshot")
	RecordStreamRestart(ctx)
	RecordUpstreamFetch(ctx, "/vsicurl/", time.Millisecond, 1, "success")
	RecordPropCacheLookup(ctx, "hit")
	RecordPageFault(ctx, "load", "success")
	RecordPageFill(ctx, false, time.Millisecond)
	RecordPageEvict(ctx, false)
	UpdatePagesResident(ctx, 1)
	RecordBlockStoreAdmission(ctx, "small", "new")
	RecordBlockStoreEviction(ctx, "small")
	RecordBlockStorePromotion(ctx, "promote")
	UpdateBlockStoreBytes(ctx, 1, 2)
}

func TestRecordBlockStore(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBlockStoreAdmission(ctx, "small", "new")
	RecordBlockStoreAdmission(ctx, "main", "ghost_hit")
	RecordBlockStoreEviction(ctx, "small")
	RecordBlockStorePromotion(ctx, "second_chance")
	UpdateBlockStoreBytes(ctx, 100, 900)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "vfs_blockstore_admissions_total"), 2)

	ev := findCounter(rm, "vfs_blockstore_evictions_total")
	require.Len(t, ev, 1)
	require.True(t, hasAttr(ev[0].Attributes, "queue", "small"))

	pr := findCounter(rm, "vfs_blockstore_promotions_total")
	require.Len(t, pr, 1)
	require.True(t, hasAttr(pr[0].Attributes, "kind", "second_chance"))

	bytes := map[string]int64{}
	for _, dp := range findGauge(rm, "vfs_blockstore_bytes") {
		v, _ := dp.Attributes.Value("queue")
		bytes[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"small": 100, "main": 900}, bytes)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
