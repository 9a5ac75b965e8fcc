// Package tracing installs the OpenTelemetry export pipeline shared by the
// room server and discovery binaries. Spans leave the process over
// OTLP/gRPC; propagation is W3C TraceContext + Baggage so a token minted by
// the discovery tier and the join it authorises stitch into one trace.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// serviceVersion tags every span with the wire-protocol revision the
// binary speaks.
const serviceVersion = "v1"

// Options configures the collector connection for one roomgrid role.
type Options struct {
	// ServiceName identifies the role in the tracing backend, e.g.
	// "roomgrid-roomserver" or "roomgrid-discovery".
	ServiceName string

	// CollectorAddr is the OTLP/gRPC collector endpoint.
	CollectorAddr string

	// InsecureSkipVerify disables TLS certificate verification on the
	// collector connection. Development collectors only; plumbed from
	// OTEL_INSECURE_SKIP_VERIFY by the config layer.
	InsecureSkipVerify bool
}

// Init builds the tracer provider, installs it globally and returns it.
// Callers must Shutdown the returned provider on exit to flush buffered
// spans. The gRPC connection is lazy; a collector that is down at startup
// surfaces as export failures, not as an Init error.
func Init(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	creds := credentials.NewTLS(&tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	conn, err := grpc.NewClient(opts.CollectorAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("tracing: collector client for %q: %w", opts.CollectorAddr, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}

	res, err := buildResource(opts.ServiceName)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// buildResource merges the role identity onto the SDK defaults. The schema
// URL is left empty so Merge never conflicts with the default resource's
// schema.
func buildResource(serviceName string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}
	return res, nil
}
