// Package telemetry wires the indexer's OpenTelemetry tracer/meter
// providers and a lazily-registered set of Prometheus gauges/counters,
// grounded on observability/otel.Init and observability/metrics.go's
// lazy-registry pattern.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/prometheus/client_golang/prometheus"
)

// Config captures the otel exporter knobs.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Insecure    bool
}

// Init configures the global tracer/meter providers. The returned shutdown
// func must be called during teardown.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(metricExporter)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}

// Metrics holds the indexer's Prometheus instruments.
type Metrics struct {
	Lag            prometheus.Gauge
	BlocksIndexed  prometheus.Counter
	ReorgsDetected prometheus.Counter
	HandlerErrors  *prometheus.CounterVec
}

var (
	once sync.Once
	reg  *Metrics
)

// Registry returns the lazily-initialized, process-wide Metrics registry.
func Registry() *Metrics {
	once.Do(func() {
		reg = &Metrics{
			Lag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendindexer",
				Name:      "checkpoint_lag_blocks",
				Help:      "Difference between chain tip and the indexer's committed checkpoint height.",
			}),
			BlocksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendindexer",
				Name:      "blocks_indexed_total",
				Help:      "Total blocks whose checkpoint has advanced.",
			}),
			ReorgsDetected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendindexer",
				Name:      "reorgs_detected_total",
				Help:      "Total reorgs detected by comparing stored vs chain block hashes.",
			}),
			HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendindexer",
				Name:      "handler_errors_total",
				Help:      "Handler errors by classified error kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(reg.Lag, reg.BlocksIndexed, reg.ReorgsDetected, reg.HandlerErrors)
	})
	return reg
}

// ObserveLag sets the checkpoint lag gauge from the current checkpoint and
// chain tip heights.
func (m *Metrics) ObserveLag(checkpoint, tip uint64) {
	if m == nil {
		return
	}
	if tip < checkpoint {
		m.Lag.Set(0)
		return
	}
	m.Lag.Set(float64(tip - checkpoint))
}
