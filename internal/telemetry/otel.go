// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Exporter names.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// Config controls tracing.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	Exporter    string
	Endpoint    string
	Insecure    bool
	SampleRatio float64

	// Writer receives stdout-exporter output; nil means os.Stdout.
	Writer io.Writer
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider and propagators. When tracing is
// disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (Shutdown, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return noop, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "interview-live"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
		),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", "error", err)
	}

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return noop, fmt.Errorf("build trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("otel tracing initialized", "service", serviceName, "exporter", cfg.Exporter, "endpoint", cfg.Endpoint)
	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		return stdouttrace.New(opts...)
	case ExporterOTLP, "":
		var opts []otlptracehttp.Option
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		switch {
		case strings.Contains(cfg.Endpoint, "://"):
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		case cfg.Endpoint != "":
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

func clampRatio(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
