// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires OpenTelemetry tracing and metrics for odbcx and
// turns the engine's pull-style metrics snapshot into OTel instruments and a
// Prometheus collector. Nothing here pushes data on its own: exporters and
// readers are supplied by the embedding process.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter used by odbcx packages.
const InstrumentationName = "github.com/multigres/odbcx"

// Tracer returns the global tracer for odbcx spans.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Telemetry owns the SDK providers of one process.
type Telemetry struct {
	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	initialized    bool

	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	syncExport   bool
}

// NewTelemetry returns an uninitialized Telemetry.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// WithExporters sets the span exporter and metric reader used by
// InitTelemetry. Either may be nil. Must be called before InitTelemetry.
func (t *Telemetry) WithExporters(spanExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader) *Telemetry {
	t.spanExporter = spanExporter
	t.metricReader = metricReader
	return t
}

// WithTestExporters is WithExporters with synchronous span export.
func (t *Telemetry) WithTestExporters(spanExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader) *Telemetry {
	t.syncExport = true
	return t.WithExporters(spanExporter, metricReader)
}

// InitTelemetry builds the providers and installs them globally. The
// OTEL_SERVICE_NAME environment variable overrides serviceName. Calling it
// again is a no-op until ShutdownTelemetry.
func (t *Telemetry) InitTelemetry(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}
	if env := os.Getenv("OTEL_SERVICE_NAME"); env != "" {
		serviceName = env
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)...)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case t.spanExporter == nil:
	case t.syncExport:
		traceOpts = append(traceOpts, sdktrace.WithSyncer(t.spanExporter))
	default:
		traceOpts = append(traceOpts, sdktrace.WithBatcher(t.spanExporter))
	}
	t.tracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(t.tracerProvider)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if t.metricReader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(t.metricReader))
	}
	t.meterProvider = sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(t.meterProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.initialized = true
	slog.DebugContext(ctx, "OpenTelemetry initialized", "service", serviceName)
	return nil
}

// WithEnvTraceparent continues the trace named by the TRACEPARENT
// environment variable, if any.
func (t *Telemetry) WithEnvTraceparent(ctx context.Context) context.Context {
	traceparent := os.Getenv("TRACEPARENT")
	if traceparent == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{"traceparent": traceparent})
}

// InitForCommand initializes telemetry for a CLI command and optionally
// starts a span named after it.
func (t *Telemetry) InitForCommand(cmd *cobra.Command, serviceName string, startSpan bool) (trace.Span, error) {
	if err := t.InitTelemetry(cmd.Context(), serviceName); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	ctx := t.WithEnvTraceparent(cmd.Context())
	var span trace.Span
	if startSpan {
		ctx, span = Tracer().Start(ctx, cmd.Name())
	}
	cmd.SetContext(ctx)
	return span, nil
}

// GetTracerProvider returns the configured provider or the global one.
func (t *Telemetry) GetTracerProvider() trace.TracerProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return t.tracerProvider
}

// GetMeterProvider returns the configured provider or the global one.
func (t *Telemetry) GetMeterProvider() metric.MeterProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meterProvider == nil {
		return otel.GetMeterProvider()
	}
	return t.meterProvider
}

// ForceFlush exports everything recorded so far.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}
	return errors.Join(t.tracerProvider.ForceFlush(ctx), t.meterProvider.ForceFlush(ctx))
}

// ShutdownTelemetry flushes and stops the providers.
func (t *Telemetry) ShutdownTelemetry(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}
	var errs []error
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
	}
	t.initialized = false
	return errors.Join(errs...)
}

// WrapSlogHandler adds trace_id and span_id attributes to records logged
// inside a span.
func WrapSlogHandler(handler slog.Handler) slog.Handler {
	return &traceHandler{wrapped: handler}
}

type traceHandler struct {
	wrapped slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.wrapped.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{wrapped: h.wrapped.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{wrapped: h.wrapped.WithGroup(name)}
}
