package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader, scopeName string) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != scopeName {
			continue
		}
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewReplicationMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewReplicationMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewReplicationMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.cycleDuration)
		assert.NotNil(t, metrics.documents)
		assert.NotNil(t, metrics.unsynced)
	})
}

func TestReplicationMetrics_Record(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *ReplicationMetrics
		assert.NotPanics(t, func() {
			metrics.RecordCycle(context.Background(), "collection", "products", time.Second, true)
			metrics.RecordDocuments(context.Background(), "products", 3)
			metrics.RecordUnsynced(context.Background(), "products", 3)
		})
	})

	t.Run("records cycles and documents", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewReplicationMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.RecordCycle(ctx, "collection", "products", 200*time.Millisecond, true)
		metrics.RecordCycle(ctx, "query", "products", time.Second, false)
		metrics.RecordDocuments(ctx, "products", 4)
		metrics.RecordDocuments(ctx, "products", 6)
		metrics.RecordUnsynced(ctx, "products", 12)

		got := collect(t, reader, ReplicationMetricsMeterName)

		hist, ok := got["wcpos_query_replication_cycle_duration_seconds"].Data.(metricdata.Histogram[float64])
		require.True(t, ok)
		require.Len(t, hist.DataPoints, 2)

		sum, ok := got["wcpos_query_replication_documents_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		assert.Equal(t, int64(10), sum.DataPoints[0].Value)

		gauge, ok := got["wcpos_query_replication_unsynced"].Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		require.Len(t, gauge.DataPoints, 1)
		assert.Equal(t, int64(12), gauge.DataPoints[0].Value)
	})
}

func TestQueryMetrics_RecordEvaluation(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewQueryMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
		assert.NotPanics(t, func() {
			metrics.RecordEvaluation(context.Background(), "products", time.Millisecond, false, true)
		})
	})

	t.Run("counts only published results", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewQueryMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.RecordEvaluation(ctx, "products", time.Millisecond, false, true)
		metrics.RecordEvaluation(ctx, "products", time.Millisecond, false, false)
		metrics.RecordEvaluation(ctx, "products", time.Millisecond, false, true)

		got := collect(t, reader, QueryMetricsMeterName)

		hist, ok := got["wcpos_query_evaluation_duration_seconds"].Data.(metricdata.Histogram[float64])
		require.True(t, ok)
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, uint64(3), hist.DataPoints[0].Count)

		sum, ok := got["wcpos_query_results_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	})
}
