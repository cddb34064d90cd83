// Package observability wires OpenTelemetry tracing and metrics for the
// loop engine. It exports spans over OTLP gRPC and publishes counters for
// iterations, oracle runs, gate verdicts, and fired stop triggers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

const instrumentationName = "loopgate.core"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults: sample everything, local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "loopgate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the engine's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	iterationCounter metric.Int64Counter
	oracleRunCounter metric.Int64Counter
	verdictCounter   metric.Int64Counter
	triggerCounter   metric.Int64Counter
	iterationHist    metric.Float64Histogram
	activeLoops      metric.Int64UpDownCounter
}

// New creates a provider. When config.Enabled is false the provider is inert
// and every Record method is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.iterationCounter, err = p.meter.Int64Counter("loopgate.iterations.total",
		metric.WithDescription("Total loop iterations executed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return err
	}

	p.oracleRunCounter, err = p.meter.Int64Counter("loopgate.oracle_runs.total",
		metric.WithDescription("Total oracle suite executions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.verdictCounter, err = p.meter.Int64Counter("loopgate.gate_verdicts.total",
		metric.WithDescription("Gate verdicts by status"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return err
	}

	p.triggerCounter, err = p.meter.Int64Counter("loopgate.stop_triggers.total",
		metric.WithDescription("Stop triggers fired by kind"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return err
	}

	p.iterationHist, err = p.meter.Float64Histogram("loopgate.iteration.duration",
		metric.WithDescription("Iteration duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	p.activeLoops, err = p.meter.Int64UpDownCounter("loopgate.loops.active",
		metric.WithDescription("Loops currently in the ACTIVE state"),
		metric.WithUnit("{loop}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span under the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordIteration records one completed iteration and its duration.
func (p *Provider) RecordIteration(ctx context.Context, loopID string, duration time.Duration, admitted bool) {
	attrs := []attribute.KeyValue{
		attribute.String("loop.id", loopID),
		attribute.Bool("iteration.admitted", admitted),
	}
	if p.iterationCounter != nil {
		p.iterationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.iterationHist != nil {
		p.iterationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordOracleRun records one oracle suite execution.
func (p *Provider) RecordOracleRun(ctx context.Context, suiteID, status string) {
	if p.oracleRunCounter != nil {
		p.oracleRunCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("suite.id", suiteID),
			attribute.String("packet.status", status),
		))
	}
}

// RecordVerdict records a gate verdict by status.
func (p *Provider) RecordVerdict(ctx context.Context, gateID, status string) {
	if p.verdictCounter != nil {
		p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate.id", gateID),
			attribute.String("verdict.status", status),
		))
	}
}

// RecordTrigger records a fired stop trigger by kind.
func (p *Provider) RecordTrigger(ctx context.Context, loopID, trigger string) {
	if p.triggerCounter != nil {
		p.triggerCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("loop.id", loopID),
			attribute.String("trigger.kind", trigger),
		))
	}
}

// LoopActivated bumps the active-loop gauge.
func (p *Provider) LoopActivated(ctx context.Context) {
	if p.activeLoops != nil {
		p.activeLoops.Add(ctx, 1)
	}
}

// LoopDeactivated decrements the active-loop gauge.
func (p *Provider) LoopDeactivated(ctx context.Context) {
	if p.activeLoops != nil {
		p.activeLoops.Add(ctx, -1)
	}
}
