package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// MetricOpts holds common options for creating metrics
type MetricOpts struct {
	Name        string
	Description string
	Unit        string
}

// Counter wraps an OTel Int64Counter
type Counter struct {
	counter metric.Int64Counter
}

// Inc increments the counter by 1
func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Add increments the counter by the given value
func (c *Counter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	c.counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// Histogram wraps an OTel Float64Histogram
type Histogram struct {
	histogram metric.Float64Histogram
}

// Record records a value in the histogram
func (h *Histogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	h.histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// UpDownCounter wraps an OTel Int64UpDownCounter
type UpDownCounter struct {
	counter metric.Int64UpDownCounter
}

// Inc increments the counter by 1
func (u *UpDownCounter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	u.counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Dec decrements the counter by 1
func (u *UpDownCounter) Dec(ctx context.Context, attrs ...attribute.KeyValue) {
	u.counter.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// Add adds the given value (may be negative)
func (u *UpDownCounter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	u.counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes the global meter provider with an OTLP exporter.
// When cfg is nil or disabled the global no-op provider stays in place and
// metric constructors still work.
func InitMetrics(ctx context.Context, cfg *Config) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorAddr),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(provider)
	globalMeterProvider = provider

	return nil
}

// ShutdownMetrics flushes and stops the meter provider
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}

func meter() metric.Meter {
	return otel.Meter("github.com/kranthikarthan/payments-engine")
}

// NewCounter creates a monotonic counter
func NewCounter(opts MetricOpts) (*Counter, error) {
	c, err := meter().Int64Counter(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", opts.Name, err)
	}
	return &Counter{counter: c}, nil
}

// NewHistogram creates a histogram with default buckets
func NewHistogram(opts MetricOpts) (*Histogram, error) {
	h, err := meter().Float64Histogram(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", opts.Name, err)
	}
	return &Histogram{histogram: h}, nil
}

// NewHistogramWithBuckets creates a histogram with explicit bucket boundaries
func NewHistogramWithBuckets(opts MetricOpts, buckets []float64) (*Histogram, error) {
	h, err := meter().Float64Histogram(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", opts.Name, err)
	}
	return &Histogram{histogram: h}, nil
}

// NewUpDownCounter creates a counter that can go up and down
func NewUpDownCounter(opts MetricOpts) (*UpDownCounter, error) {
	c, err := meter().Int64UpDownCounter(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %s: %w", opts.Name, err)
	}
	return &UpDownCounter{counter: c}, nil
}
