package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InstallStdout configures a tracer provider that pretty-prints spans to
// stdout and installs it as the global provider. It is meant for local
// development and demos; production setups should configure their own
// exporter (Jaeger, OTLP, etc.) and pass the provider via
// WithTracerProvider.
//
// The caller owns the returned provider and should Shutdown it on exit.
func InstallStdout(serviceName string) (*sdktrace.TracerProvider, error) {
	return installStdout(serviceName, nil)
}

// InstallStdoutWriter is InstallStdout writing spans to w instead of
// stdout. Tests use it to capture exported spans.
func InstallStdoutWriter(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	return installStdout(serviceName, w)
}

func installStdout(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}

	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}
