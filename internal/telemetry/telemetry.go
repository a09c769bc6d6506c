// Package telemetry installs the OpenTelemetry tracer provider used for the
// watchdog's diagnostic traces.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"pkt.systems/pslog"
)

type errorHandler struct {
	logger pslog.Logger
}

func (h errorHandler) Handle(err error) {
	if err != nil {
		h.logger.Warn("telemetry.exporter.error", "error", err)
	}
}

// Target is a resolved OTLP/HTTP endpoint.
type Target struct {
	Endpoint string // host:port
	Path     string
	Insecure bool
}

// ResolveTarget parses "host[:port]", "http://host[:port]/path" or
// "https://...". The default port is 4318.
func ResolveTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	t := Target{Endpoint: u.Host, Path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "http":
		t.Insecure = true
	case "https":
	default:
		return Target{}, fmt.Errorf("telemetry: unsupported scheme %q", u.Scheme)
	}
	if t.Endpoint == "" {
		return Target{}, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	if _, _, err := net.SplitHostPort(t.Endpoint); err != nil {
		t.Endpoint = net.JoinHostPort(t.Endpoint, "4318")
	}
	return t, nil
}

// Setup exports traces to endpoint and installs the provider globally. An
// empty endpoint leaves the no-op provider in place and returns a no-op
// shutdown.
func Setup(ctx context.Context, service, endpoint string, logger pslog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if strings.TrimSpace(endpoint) == "" {
		return noop, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("sys", "telemetry")
	target, err := ResolveTarget(endpoint)
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.Endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if target.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.Path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.Path))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("telemetry: start trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetErrorHandler(errorHandler{logger: logger})
	logger.Info("telemetry.tracing.enabled", "endpoint", target.Endpoint, "path", target.Path, "insecure", target.Insecure)
	return provider.Shutdown, nil
}
