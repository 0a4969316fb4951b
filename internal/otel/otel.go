// Package otel wires OpenTelemetry tracing and metrics for taskinbox. When
// disabled, every instrument is a no-op. The monitor daemon can additionally
// expose the meter provider through a Prometheus /metrics handler.
package otel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for taskinbox traces.
	TracerName = "taskinbox"
	// MeterName is the instrumentation scope name for taskinbox metrics.
	MeterName = "taskinbox"
	// Version is the taskinbox version reported in telemetry.
	Version = "v0.3.0"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Prometheus registers a Prometheus reader on the meter provider and
	// makes Provider.MetricsHandler serve it. Works even when tracing is
	// disabled.
	Prometheus bool `yaml:"prometheus"`
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// MetricsHandler serves the Prometheus exposition format; nil unless
	// Config.Prometheus is set.
	MetricsHandler http.Handler
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry with the given config.
// Returns a Provider that must be Shutdown() on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled && !cfg.Prometheus {
		return noopProvider(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "taskinbox"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("taskinbox.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
	}
	var shutdowns []func(context.Context) error

	if cfg.Enabled {
		exporter, err := createExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		sampleRate := cfg.SampleRate
		if sampleRate <= 0 {
			sampleRate = 1.0
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		)
		otel.SetTracerProvider(tp)
		p.TracerProvider = tp
		p.Tracer = tp.Tracer(TracerName)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
		p.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	p.MeterProvider = mp
	p.Meter = mp.Meter(MeterName)
	shutdowns = append(shutdowns, mp.Shutdown)

	p.shutdown = func(ctx context.Context) error {
		var first error
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return p, nil
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
		shutdown:      func(context.Context) error { return nil },
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }
