package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceParentRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer span.End()

	header := TraceParent(ctx)
	require.NotEmpty(t, header)

	restored := trace.SpanContextFromContext(WithTraceParent(context.Background(), header))
	assert.True(t, restored.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), restored.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), restored.SpanID())
}

func TestTraceParentWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceParent(context.Background()))

	ctx := WithTraceParent(context.Background(), "not-a-traceparent")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "vidflow-test", Exporter: "none"}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil)
	require.Error(t, err)

	_, err = SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil)
	require.Error(t, err)
}
