package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ReplicationMetricsMeterName is the name used for the replication metrics meter
	ReplicationMetricsMeterName = "github.com/wcpos/query/replication"

	// QueryMetricsMeterName is the name used for the query metrics meter
	QueryMetricsMeterName = "github.com/wcpos/query/query"
)

// ReplicationMetrics holds the OpenTelemetry instruments for replication cycles
type ReplicationMetrics struct {
	cycleDuration metric.Float64Histogram
	documents     metric.Int64Counter
	unsynced      metric.Int64Gauge
}

// NewReplicationMetrics creates a new ReplicationMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewReplicationMetrics(provider metric.MeterProvider) (*ReplicationMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ReplicationMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"wcpos_query_replication_cycle_duration_seconds",
		metric.WithDescription("Duration of replication fetch cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	documents, err := meter.Int64Counter(
		"wcpos_query_replication_documents_total",
		metric.WithDescription("Number of documents written by replication"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}

	unsynced, err := meter.Int64Gauge(
		"wcpos_query_replication_unsynced",
		metric.WithDescription("Number of remote documents not yet present locally"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}

	return &ReplicationMetrics{
		cycleDuration: cycleDuration,
		documents:     documents,
		unsynced:      unsynced,
	}, nil
}

// RecordCycle records the duration and outcome of one fetch cycle
func (m *ReplicationMetrics) RecordCycle(ctx context.Context, kind, collection string, duration time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("collection", collection),
		attribute.Bool("success", success),
	}

	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDocuments adds n to the number of documents written into a collection
func (m *ReplicationMetrics) RecordDocuments(ctx context.Context, collection string, n int64) {
	if m == nil || m.documents == nil || n == 0 {
		return
	}
	m.documents.Add(ctx, n, metric.WithAttributes(attribute.String("collection", collection)))
}

// RecordUnsynced records how many remote documents of a collection are missing locally
func (m *ReplicationMetrics) RecordUnsynced(ctx context.Context, collection string, n int64) {
	if m == nil || m.unsynced == nil {
		return
	}
	m.unsynced.Record(ctx, n, metric.WithAttributes(attribute.String("collection", collection)))
}

// QueryMetrics holds the OpenTelemetry instruments for query evaluation
type QueryMetrics struct {
	evaluationDuration metric.Float64Histogram
	results            metric.Int64Counter
}

// NewQueryMetrics creates a new QueryMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueryMetrics(provider metric.MeterProvider) (*QueryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueryMetricsMeterName)

	evaluationDuration, err := meter.Float64Histogram(
		"wcpos_query_evaluation_duration_seconds",
		metric.WithDescription("Duration of query evaluations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	results, err := meter.Int64Counter(
		"wcpos_query_results_total",
		metric.WithDescription("Number of results published by live queries"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueryMetrics{
		evaluationDuration: evaluationDuration,
		results:            results,
	}, nil
}

// RecordEvaluation records one evaluation and whether it produced a new result
func (m *QueryMetrics) RecordEvaluation(
	ctx context.Context, collection string, duration time.Duration, searchActive, published bool,
) {
	if m == nil || m.evaluationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.Bool("search_active", searchActive),
	)

	m.evaluationDuration.Record(ctx, duration.Seconds(), attrs)
	if published {
		m.results.Add(ctx, 1, attrs)
	}
}
