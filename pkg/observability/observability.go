// Package observability provides OpenTelemetry tracing and metrics for the
// transaction pipeline: submission/denial/approval counters, broadcast
// error counts and a pipeline duration histogram, exported over OTLP gRPC.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "chainpilot",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages trace and metric providers plus the pipeline metrics.
// A nil Provider is valid and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	submissions      metric.Int64Counter
	denials          metric.Int64Counter
	approvalsQueued  metric.Int64Counter
	broadcastErrors  metric.Int64Counter
	pipelineDuration metric.Float64Histogram
}

// New creates a provider. With Enabled false no exporters are dialed and
// the no-op globals serve tracing.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger}

	if !config.Enabled {
		p.tracer = otel.Tracer(config.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(config.ServiceName)
	meter := p.meterProvider.Meter(config.ServiceName)

	if p.submissions, err = meter.Int64Counter("chainpilot.submissions",
		metric.WithDescription("Transactions accepted into the pipeline")); err != nil {
		return nil, err
	}
	if p.denials, err = meter.Int64Counter("chainpilot.denials",
		metric.WithDescription("Transactions denied by policy")); err != nil {
		return nil, err
	}
	if p.approvalsQueued, err = meter.Int64Counter("chainpilot.approvals_queued",
		metric.WithDescription("Transactions held for approval")); err != nil {
		return nil, err
	}
	if p.broadcastErrors, err = meter.Int64Counter("chainpilot.broadcast_errors",
		metric.WithDescription("Retriable broadcast failures")); err != nil {
		return nil, err
	}
	if p.pipelineDuration, err = meter.Float64Histogram("chainpilot.pipeline_duration_ms",
		metric.WithDescription("End-to-end submission pipeline latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return p, nil
}

// StartSpan opens a pipeline span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name)
}

// CountSubmission records one accepted submission.
func (p *Provider) CountSubmission(ctx context.Context, principal string) {
	if p != nil && p.submissions != nil {
		p.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("principal", principal)))
	}
}

// CountDenial records one policy denial.
func (p *Provider) CountDenial(ctx context.Context, principal string) {
	if p != nil && p.denials != nil {
		p.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("principal", principal)))
	}
}

// CountApprovalQueued records one transaction held for approval.
func (p *Provider) CountApprovalQueued(ctx context.Context, reason string) {
	if p != nil && p.approvalsQueued != nil {
		p.approvalsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// CountBroadcastError records one retriable broadcast failure.
func (p *Provider) CountBroadcastError(ctx context.Context) {
	if p != nil && p.broadcastErrors != nil {
		p.broadcastErrors.Add(ctx, 1)
	}
}

// ObservePipeline records the latency of one pipeline run.
func (p *Provider) ObservePipeline(ctx context.Context, d time.Duration, status string) {
	if p != nil && p.pipelineDuration != nil {
		p.pipelineDuration.Record(ctx, float64(d.Milliseconds()),
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
