package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records task and run metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTask records one task outcome. err is non-nil for error outcomes.
	RecordTask(ctx context.Context, action, address, status string, duration time.Duration, err error)

	// RecordRetry records a failed attempt that will be retried.
	RecordRetry(ctx context.Context, action, address string)

	// RecordRun records a finished run and the request status it left.
	RecordRun(ctx context.Context, action, status string, duration time.Duration)
}

type otelMetrics struct {
	taskExecutions metric.Int64Counter
	taskErrors     metric.Int64Counter
	taskRetries    metric.Int64Counter
	taskLatency    metric.Float64Histogram
	runCount       metric.Int64Counter
	runLatency     metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("dsrgraph")
	m := &otelMetrics{}
	var err error

	if m.taskExecutions, err = meter.Int64Counter("dsrgraph.task.executions",
		metric.WithDescription("Number of graph task executions"),
	); err != nil {
		return nil, err
	}
	if m.taskErrors, err = meter.Int64Counter("dsrgraph.task.errors",
		metric.WithDescription("Number of graph tasks that ended in error"),
	); err != nil {
		return nil, err
	}
	if m.taskRetries, err = meter.Int64Counter("dsrgraph.task.retries",
		metric.WithDescription("Number of retried task attempts"),
	); err != nil {
		return nil, err
	}
	if m.taskLatency, err = meter.Float64Histogram("dsrgraph.task.latency_ms",
		metric.WithDescription("Graph task latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.runCount, err = meter.Int64Counter("dsrgraph.run.count",
		metric.WithDescription("Number of access, erasure and consent runs"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("dsrgraph.run.latency_ms",
		metric.WithDescription("Run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider, or a no-op recorder if the instruments cannot be created.
// Set the provider with otel.SetMeterProvider before calling.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordTask(ctx context.Context, action, address, status string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("collection", address),
		attribute.String("status", status),
	)
	m.taskExecutions.Add(ctx, 1, attrs)
	m.taskLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.taskErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRetry(ctx context.Context, action, address string) {
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("collection", address),
	))
}

func (m *otelMetrics) RecordRun(ctx context.Context, action, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)
	m.runCount.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
