// Package otel provides higher level APIs around Open Telemetry instrumentation.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "xk6-pageload"

// Supported trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterHTTP   = "http"
)

// ErrUnsupportedExporter indicates that the requested trace exporter is not supported.
var ErrUnsupportedExporter = errors.New("unsupported trace exporter")

// TraceProvider provides methods for tracers initialization and shutdown of the
// processing pipeline.
type TraceProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type traceProvShutdownFunc func(ctx context.Context) error

type traceProvider struct {
	trace.TracerProvider

	noop bool

	shutdown traceProvShutdownFunc
}

// Config selects and configures the trace exporter.
type Config struct {
	// Exporter is one of ExporterNone, ExporterStdout or ExporterHTTP.
	Exporter string
	// Endpoint is the host:port of the OTLP/HTTP collector.
	Endpoint string
	Insecure bool
	// Writer receives the spans of the stdout exporter. It defaults to
	// os.Stderr.
	Writer io.Writer
}

// NewTraceProvider creates a new trace provider for the exporter of cfg.
func NewTraceProvider(ctx context.Context, cfg Config) (TraceProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterNone:
		return NewNoopTraceProvider(), nil
	case ExporterStdout:
		exporter, err = newStdoutExporter(cfg.Writer)
	case ExporterHTTP:
		exporter, err = otlptrace.New(ctx, newHTTPClient(cfg.Endpoint, cfg.Insecure))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExporter, cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", cfg.Exporter, err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource()),
	)

	otel.SetTracerProvider(prov)

	return &traceProvider{
		TracerProvider: prov,
		shutdown:       prov.Shutdown,
	}, nil
}

func newResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

func newStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	if w == nil {
		w = os.Stderr
	}
	return stdouttrace.New(stdouttrace.WithWriter(w))
}

func newHTTPClient(endpoint string, insecure bool) otlptrace.Client {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...)
}

// NewNoopTraceProvider creates a new noop trace provider.
func NewNoopTraceProvider() TraceProvider {
	prov := noop.NewTracerProvider()

	otel.SetTracerProvider(prov)

	return &traceProvider{
		TracerProvider: prov,
		noop:           true,
	}
}

// Shutdown flushes pending spans and shuts down the TracerProvider releasing
// any held computational resources. After Shutdown is called, all methods
// are no-ops.
func (tp *traceProvider) Shutdown(ctx context.Context) error {
	if tp.noop {
		return nil
	}

	return tp.shutdown(ctx)
}
