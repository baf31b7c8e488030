// Package observability wires structured logging, OpenTelemetry tracing and
// the depot operation metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/depot"

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0 drops every trace, 1 keeps every trace
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the exporter settings used by `depot serve`.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "depot",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        true,
	}
}

// instruments are nil on a disabled provider.
type instruments struct {
	operations  metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
	uploads     metric.Int64Counter
	uploadBytes metric.Int64Histogram
}

// Provider owns the trace and metric pipelines. The zero-cost form returned
// by Disabled still produces spans on the global tracer.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	inst           *instruments
	logger         *slog.Logger
}

// Disabled returns a provider that records no metrics.
func Disabled() *Provider {
	return &Provider{
		config: &Config{ServiceName: "depot"},
		tracer: otel.Tracer(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
}

// New builds the OTLP trace and metric pipelines and installs them globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := Disabled()
	p.config = config
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if p.tracerProvider, err = newTracerProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if p.meterProvider, err = newMeterProvider(ctx, config, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(meter); err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	), nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.operations, err = meter.Int64Counter("depot.operations",
		metric.WithDescription("Store and HTTP operations started"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.failures, err = meter.Int64Counter("depot.operation.failures",
		metric.WithDescription("Operations that finished with an error"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)
	// Uploads stream whole artifacts, so the buckets reach into minutes.
	in.duration, err = meter.Float64Histogram("depot.operation.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300))
	errs = append(errs, err)
	in.inflight, err = meter.Int64UpDownCounter("depot.operations.inflight",
		metric.WithDescription("Operations currently running"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.uploads, err = meter.Int64Counter("depot.uploads",
		metric.WithDescription("Upload attempts by decision"),
		metric.WithUnit("{upload}"))
	errs = append(errs, err)
	in.uploadBytes, err = meter.Int64Histogram("depot.upload.bytes",
		metric.WithDescription("Payload bytes written per upload attempt"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 1<<16, 1<<20, 1<<24, 1<<28, 1<<30, 1<<32))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	p.inst = &in
	return nil
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// TrackOperation opens a span for name and counts the operation. The returned
// function ends the span; a non-nil error marks both span and metrics failed.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)
	if p.inst != nil {
		p.inst.operations.Add(ctx, 1, set)
		p.inst.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.inst != nil {
			p.inst.inflight.Add(ctx, -1, set)
			p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
			if err != nil {
				p.inst.failures.Add(ctx, 1, set)
			}
		}
		span.End()
	}
}

// RecordUpload counts one upload attempt under its decision (accepted,
// rejected or failed) and the bytes it wrote.
func (p *Provider) RecordUpload(ctx context.Context, project, decision string, bytes int64) {
	if p.inst == nil {
		return
	}
	set := metric.WithAttributes(AttrProject.String(project), AttrDecision.String(decision))
	p.inst.uploads.Add(ctx, 1, set)
	p.inst.uploadBytes.Record(ctx, bytes, set)
}
