// Package telemetry wires the global OpenTelemetry providers. Libraries
// in this repo register their instruments against the global delegating
// meter/tracer at init time; nothing is exported anywhere until Init runs,
// so embedding applications that never call it pay nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures telemetry export.
type Options struct {
	// ServiceName labels exported data. Default "sqlbus".
	ServiceName string
	// OTLPMetricEndpoint, when set, exports metrics over OTLP/HTTP to this
	// host:port. It does not turn off the stdout exporters; Stdout alone
	// controls those.
	OTLPMetricEndpoint string
	// Stdout enables the stdout exporters (development / smoke tests).
	Stdout bool
	// Interval is the metric export period. Default 30s.
	Interval time.Duration
}

// Init installs the global meter and tracer providers and returns a
// shutdown function that flushes and stops them.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "sqlbus"
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	var readers []metric.Option
	readers = append(readers, metric.WithResource(res))
	if opts.OTLPMetricEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.OTLPMetricEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		readers = append(readers, metric.WithReader(
			metric.NewPeriodicReader(exp, metric.WithInterval(opts.Interval))))
	}
	if opts.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.WithReader(
			metric.NewPeriodicReader(exp, metric.WithInterval(opts.Interval))))
	}

	mp := metric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	if opts.Stdout {
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, stop := range shutdowns {
			if err := stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}
