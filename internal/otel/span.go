// Package otel holds the span helpers of the replicators and queries. Every helper
// accepts a nil tracer and then returns the span already in ctx.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys
const (
	AttrCollection   = attribute.Key("collection.name")
	AttrEndpoint     = attribute.Key("replication.endpoint")
	AttrReplicator   = attribute.Key("replication.kind")
	AttrStrategy     = attribute.Key("replication.strategy")
	AttrResultCount  = attribute.Key("result.count")
	AttrSearchActive = attribute.Key("query.search_active")
)

// failedStatus is deliberately generic: errors from the remote embed request URLs
const failedStatus = "operation failed"

func start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartCycle starts the span of one replication cycle of kind against endpoint
func StartCycle(
	ctx context.Context,
	tracer trace.Tracer,
	kind, collection, endpoint string,
) (context.Context, trace.Span) {
	return start(ctx, tracer, "replication."+kind+".fetch",
		AttrCollection.String(collection),
		AttrEndpoint.String(endpoint),
		AttrReplicator.String(kind),
	)
}

// StartEvaluation starts the span of one query evaluation
func StartEvaluation(
	ctx context.Context,
	tracer trace.Tracer,
	collection string,
	searchActive bool,
) (context.Context, trace.Span) {
	return start(ctx, tracer, "query.evaluate",
		AttrCollection.String(collection),
		AttrSearchActive.Bool(searchActive),
	)
}

// Finish sets attrs, marks the span failed when err is set and ends it.
// A span from a nil tracer is not recording, so this is always safe.
func Finish(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, failedStatus)
	}
	span.End()
}
