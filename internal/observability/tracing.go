package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// StartTargetSpan starts a span for an outbound target API call
func StartTargetSpan(ctx context.Context, target, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("target.%s.%s", target, operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sync.target", target),
			attribute.String("sync.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SyncMetrics holds sync pipeline metrics. A nil *SyncMetrics is a valid
// no-op receiver so callers never have to guard.
type SyncMetrics struct {
	attempts     metric.Int64Counter
	duration     metric.Float64Histogram
	retries      metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter
	batchesFlush metric.Int64Counter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	attempts, err := meter.Int64Counter(
		"sync.attempts",
		metric.WithDescription("Total number of sync attempts by target, type and status"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"sync.attempt.duration",
		metric.WithDescription("Sync attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"sync.retries",
		metric.WithDescription("Total number of retried sync attempts"),
		metric.WithUnit("{retries}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"sync.queue.depth",
		metric.WithDescription("Number of unprocessed changelog entries"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		return nil, err
	}

	batchesFlush, err := meter.Int64Counter(
		"sync.page.batches",
		metric.WithDescription("Total number of page batches written"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		attempts:     attempts,
		duration:     duration,
		retries:      retries,
		queueDepth:   queueDepth,
		batchesFlush: batchesFlush,
	}, nil
}

// RecordAttempt records one sync attempt outcome
func (m *SyncMetrics) RecordAttempt(ctx context.Context, target, itemType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("sync.target", target),
		attribute.String("sync.item_type", itemType),
		attribute.String("sync.status", status),
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.duration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordRetry records a retry pass picking an item back up
func (m *SyncMetrics) RecordRetry(ctx context.Context, target string, retryCount int) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sync.target", target),
		attribute.Int("sync.retry_count", retryCount),
	))
}

// AddQueueDepth adjusts the changelog backlog gauge
func (m *SyncMetrics) AddQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// RecordPageBatch records a flushed page batch
func (m *SyncMetrics) RecordPageBatch(ctx context.Context, target string, pages int) {
	if m == nil {
		return
	}
	m.batchesFlush.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sync.target", target),
		attribute.Int("sync.pages", pages),
	))
}
