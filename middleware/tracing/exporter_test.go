package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInstallStdoutWriter(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	tp, err := InstallStdoutWriter("orders", &buf)
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := NewTracer(WithServiceName("orders"))

	_, span := tracer.StartSpan(context.Background(), "eventstore.append")
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	assert.Contains(t, buf.String(), "eventstore.append")
}

func TestInstallStdout_DefaultServiceName(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	tp, err := InstallStdoutWriter("", &buf)
	require.NoError(t, err)
	_ = tp.Shutdown(context.Background())
}
