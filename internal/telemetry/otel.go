// Package telemetry wires tracing, logging, and Prometheus collectors for the gateway.
//
// Purpose:
//   Initialize the OpenTelemetry tracer provider (gRPC exporter, HTTP fallback,
//   degraded no-op mode), build the process logger, and expose the collectors
//   that record authorization decisions, resolver lookups, SSO exchanges and
//   anomaly reports.
//
// Dependencies:
//   - go.opentelemetry.io/otel: tracing API and SDK
//   - github.com/prometheus/client_golang: metrics
//   - internal/logging: zap logger construction
//
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
)

// TracerName is the instrumentation scope used by gateway spans.
const TracerName = "github.com/otherjamesbrown/ai-aas/services/auth-gateway"

// TraceConfig controls the OpenTelemetry exporter.
type TraceConfig struct {
	ServiceName string
	Environment string
	Endpoint    string
	Protocol    string // grpc or http
	Headers     map[string]string
	Insecure    bool
}

// Provider wraps the tracer provider and exposes Shutdown.
type Provider struct {
	tp       *sdktrace.TracerProvider
	fallback bool
}

// Shutdown flushes telemetry exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Fallback reports whether the provider runs in degraded (no-op) mode.
func (p *Provider) Fallback() bool {
	return p != nil && p.fallback
}

// InitTracing configures exporters and the global tracer provider.
// An empty endpoint yields a degraded provider rather than an error.
func InitTracing(ctx context.Context, cfg TraceConfig) (*Provider, error) {
	if cfg.Endpoint == "" {
		return degradedProvider(), nil
	}

	provider, err := initWithConfig(ctx, cfg)
	if err == nil {
		return provider, nil
	}

	recordExporterFailure(cfg.Protocol)
	otel.Handle(fmt.Errorf("telemetry init failed for %s exporter: %w", cfg.Protocol, err))

	if cfg.Protocol == "grpc" || cfg.Protocol == "" {
		httpCfg := cfg
		httpCfg.Protocol = "http"
		httpProvider, httpErr := initWithConfig(ctx, httpCfg)
		if httpErr == nil {
			return httpProvider, nil
		}
		recordExporterFailure("http")
		otel.Handle(fmt.Errorf("telemetry http fallback failed: %w", errors.Join(err, httpErr)))
	}

	return degradedProvider(), nil
}

func initWithConfig(ctx context.Context, cfg TraceConfig) (*Provider, error) {
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, client)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

func degradedProvider() *Provider {
	recordExporterFailure("degraded")
	otel.SetTracerProvider(noop.NewTracerProvider())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{fallback: true}
}

func buildClient(cfg TraceConfig) (otlptrace.Client, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
			otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			}),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	case "grpc", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			}),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", cfg.Protocol)
	}
}
