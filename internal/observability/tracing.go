package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/antoniostano/voicecall"

// Span names used by the voice pipeline.
const (
	SpanTurn       = "voice.turn"
	SpanTranscribe = "voice.transcribe"
	SpanClassify   = "agent.classify"
	SpanGenerate   = "agent.generate"
	SpanSynthesize = "voice.synthesize"
)

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the global provider. Callers must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// InitTracing installs a global tracer provider. exporter may be nil, in
// which case spans are sampled but not exported. The returned func flushes
// and shuts the provider down.
func InitTracing(serviceName string, exporter sdktrace.SpanExporter) func(context.Context) error {
	if serviceName == "" {
		serviceName = "voicecall"
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(semconv.ServiceName(serviceName))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// NewOTLPExporter builds an OTLP/HTTP span exporter for endpoint, a full URL
// such as http://collector:4318. An empty endpoint yields a nil exporter.
func NewOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return nil, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exp, nil
}
