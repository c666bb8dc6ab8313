package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := InitTracerProvider(context.Background(), Config{
		Enabled:     true,
		ServiceName: "searchcore-test",
		Processors:  []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()

	_, span := p.Tracer("test").Start(context.Background(), "work")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "work", spans[0].Name())
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	_, span := p.Tracer("test").Start(context.Background(), "work")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestCloudTraceExporterRequiresProject(t *testing.T) {
	_, err := NewCloudTraceExporter("")
	require.Error(t, err)
}
