package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum")
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attributeKey(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordTask(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordTask(ctx, "access", "shop:users", "complete", 20*time.Millisecond, nil)
	m.RecordTask(ctx, "access", "shop:orders", "error", 5*time.Millisecond, errors.New("boom"))
	m.RecordRetry(ctx, "access", "shop:orders")
	m.RecordRetry(ctx, "access", "shop:orders")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "dsrgraph.task.executions"), "collection", "shop:users"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "dsrgraph.task.errors"), "collection", "shop:orders"))
	assert.Zero(t, sumFor(t, findMetric(rm, "dsrgraph.task.errors"), "collection", "shop:users"))
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "dsrgraph.task.retries"), "collection", "shop:orders"))

	latency := findMetric(rm, "dsrgraph.task.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.NotEmpty(t, hist.DataPoints)
}

func TestRecordRun(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordRun(context.Background(), "erasure", "complete", 100*time.Millisecond)
	m.RecordRun(context.Background(), "erasure", "paused", 10*time.Millisecond)

	rm := collectMetrics(t, reader)
	runs := findMetric(rm, "dsrgraph.run.count")
	assert.Equal(t, int64(1), sumFor(t, runs, "status", "paused"))
	assert.Equal(t, int64(2), sumFor(t, runs, "action", "erasure"))
	assert.NotNil(t, findMetric(rm, "dsrgraph.run.latency_ms"))
}
