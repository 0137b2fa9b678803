// Package observability wires OpenTelemetry tracing and metrics for the
// coordinator: task throughput, failures, dispatch latency, and spend
// counters, exported over OTLP gRPC.
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
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stevedore",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers. A nil or disabled
// Provider is safe to call; every recording method is a no-op then.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	dispatchHist   metric.Float64Histogram
	activeTasks    metric.Int64UpDownCounter
	spendCounter   metric.Int64Counter
}

// New creates an observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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

	p.tracer = otel.Tracer("stevedore",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("stevedore",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
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

func (p *Provider) initMetrics() error {
	var err error

	p.tasksCompleted, err = p.meter.Int64Counter("stevedore.tasks.completed",
		metric.WithDescription("Tasks processed to a published report"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.tasksFailed, err = p.meter.Int64Counter("stevedore.tasks.failed",
		metric.WithDescription("Tasks whose report carried overall_success=false"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.dispatchHist, err = p.meter.Float64Histogram("stevedore.task.duration",
		metric.WithDescription("End-to-end task processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	p.activeTasks, err = p.meter.Int64UpDownCounter("stevedore.tasks.active",
		metric.WithDescription("Tasks currently being coordinated"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.spendCounter, err = p.meter.Int64Counter("stevedore.spend.micros",
		metric.WithDescription("Recorded delegate spend in micro-dollars"),
		metric.WithUnit("{microdollar}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
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

// StartSpan starts a span; returns the input context and a no-op span when
// telemetry is disabled.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("stevedore").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordTask records a completed task with its outcome and duration.
func (p *Provider) RecordTask(ctx context.Context, success bool, duration time.Duration, attrs ...attribute.KeyValue) {
	if p == nil {
		return
	}
	opt := metric.WithAttributes(attrs...)
	if p.tasksCompleted != nil {
		p.tasksCompleted.Add(ctx, 1, opt)
	}
	if !success && p.tasksFailed != nil {
		p.tasksFailed.Add(ctx, 1, opt)
	}
	if p.dispatchHist != nil {
		p.dispatchHist.Record(ctx, duration.Seconds(), opt)
	}
}

// RecordSpend records delegate spend in micro-dollars.
func (p *Provider) RecordSpend(ctx context.Context, micros int64, attrs ...attribute.KeyValue) {
	if p == nil || p.spendCounter == nil {
		return
	}
	p.spendCounter.Add(ctx, micros, metric.WithAttributes(attrs...))
}

// TrackTask marks a task active and returns a completion callback.
func (p *Provider) TrackTask(ctx context.Context, taskID string) (context.Context, func(success bool)) {
	if p == nil {
		return ctx, func(bool) {}
	}
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("task.id", taskID)}

	ctx, span := p.StartSpan(ctx, "coordinator.process_task",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeTasks != nil {
		p.activeTasks.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(success bool) {
		if p.activeTasks != nil {
			p.activeTasks.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordTask(ctx, success, time.Since(start), attrs...)
		span.End()
	}
}
