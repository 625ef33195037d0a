// Package telemetry holds the tracer and Prometheus metrics shared by the
// pipeline stages.
//
// Tracing is off unless Init is called with enabled=true, in which case spans
// are pretty-printed to the configured writer (stderr by default).
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/yuningzhang520/acl-rag-helpdesk-copilot"

var shutdownFns []func(context.Context) error

// #region init
// Init installs the global tracer provider. When enabled is false a no-op
// provider is installed.
func Init(ctx context.Context, serviceName string, enabled bool, w io.Writer) error {
	if !enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		return nil
	}
	if w == nil {
		w = os.Stderr
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)
	return nil
}

// Tracer returns a tracer under the module scope.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// #endregion init
