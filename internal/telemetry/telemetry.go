// Package telemetry wires the command engine into OpenTelemetry: traces and
// counters on the store hot paths (storage.go) and the engine-level outcome
// counters recorded by the runner and worker (engine.go).
//
// Everything is gated on ANCHOR_OTEL_ENABLED=true. An unconfigured process
// installs no-op providers, so the instruments scattered through the engine
// cost nothing when telemetry is off.
//
//	ANCHOR_OTEL_ENABLED=true                 turn telemetry on
//	ANCHOR_OTEL_STDOUT=true                  pretty-print spans/metrics locally
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317    OTLP over gRPC (insecure)
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=...  metrics-only OTLP override
//	OTEL_SERVICE_NAME=...                    override the service name
//
// Both exporters may be active at once. An enabled process with neither
// configured falls back to stdout traces so enabling is never silent.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/baolood/project-anchor"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (ANCHOR_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("ANCHOR_OTEL_ENABLED") == "true"
}

func stdoutWanted() bool {
	return os.Getenv("ANCHOR_OTEL_STDOUT") == "true"
}

// Init installs the global trace and meter providers for this process.
// Call once at startup and pair with Shutdown.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if override := os.Getenv("OTEL_SERVICE_NAME"); override != "" {
		serviceName = override
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	if err := initTraces(ctx, res); err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	if err := initMetrics(ctx, res); err != nil {
		return fmt.Errorf("telemetry: metrics: %w", err)
	}
	return nil
}

func initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	wired := false
	if stdoutWanted() {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		wired = true
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		wired = true
	}
	// Enabled but nothing configured: spans still have to land somewhere.
	if !wired {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)
	return nil
}

func initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if stdoutWanted() {
		exp, err := stdoutmetric.New()
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Tracer returns a tracer for the named scope, defaulting to the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the named scope, defaulting to the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops every provider Init installed.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
