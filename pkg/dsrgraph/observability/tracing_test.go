package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attributeKey(k string) attribute.Key {
	return attribute.Key(k)
}

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("dsrgraph")
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("dsrgraph")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down tracer provider: %v", err)
		}
	})
	return exporter
}

func TestSpanManager_RunAndTaskSpans(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, run := sm.StartRunSpan(context.Background(), "pri-1", "access")
	taskCtx, task := sm.StartTaskSpan(ctx, "access", "shop:users")
	sm.AddSpanEvent(taskCtx, "cache_hit", attribute.Int("rows", 2))
	sm.EndSpanWithError(task, errors.New("boom"))
	sm.EndSpanWithError(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	taskSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "dsrgraph.task.shop:users", taskSpan.Name)
	assert.Equal(t, codes.Error, taskSpan.Status.Code)
	assert.Equal(t, runSpan.SpanContext.SpanID(), taskSpan.Parent.SpanID())
	require.Len(t, taskSpan.Events, 2, "cache event plus recorded error")
	assert.Equal(t, "cache_hit", taskSpan.Events[0].Name)

	assert.Equal(t, "dsrgraph.run", runSpan.Name)
	assert.Equal(t, codes.Ok, runSpan.Status.Code)
	assert.Contains(t, runSpan.Attributes, attribute.String("request.id", "pri-1"))
}

func TestEndSpanWithError_Nil(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, errors.New("x")) })
}

func TestNoopImplementations(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()
	got, span := sm.StartRunSpan(ctx, "r", "access")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	_, span = sm.StartTaskSpan(ctx, "access", "a:b")
	sm.AddSpanEvent(ctx, "x")
	sm.EndSpanWithError(span, errors.New("x"))

	var m MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordTask(ctx, "access", "a:b", "complete", 0, nil)
		m.RecordRetry(ctx, "access", "a:b")
		m.RecordRun(ctx, "access", "complete", 0)
	})
}
