// Package tracing provides shared OTel tracer initialization for the
// runner's protocol and transport layers.
//
// Span export requires an OTLP endpoint, set through Configure or the
// standard OTEL_EXPORTER_OTLP_ENDPOINT variable. Without one a no-op
// tracer is used (zero overhead). Wire-level protocol spans sit behind an
// additional switch because they attach full payloads.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "car"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider

	configMu   sync.Mutex
	endpoint   = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	protocolOn = os.Getenv("CAR_TRACE_PROTOCOL") == "true"
)

// Configure applies exporter settings from configuration. Call before the
// first Tracer use: the endpoint is latched when the provider initializes.
func Configure(otlpEndpoint string, protocol bool) {
	configMu.Lock()
	defer configMu.Unlock()
	if otlpEndpoint != "" {
		endpoint = otlpEndpoint
	}
	if protocol {
		protocolOn = true
	}
}

// ProtocolEnabled reports whether per-message protocol spans are on.
func ProtocolEnabled() bool {
	configMu.Lock()
	defer configMu.Unlock()
	return protocolOn
}

func initTracing() {
	configMu.Lock()
	target := endpoint
	configMu.Unlock()
	if target == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(target)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
