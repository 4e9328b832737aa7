package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
)

// Config combines logger and tracer settings.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Protocol    string
	Headers     map[string]string
	Insecure    bool
	LogLevel    string
	Debug       bool
}

// Telemetry bundles the process logger and tracer provider.
type Telemetry struct {
	Logger   *zap.Logger
	Provider *Provider
}

// Init builds the logger and configures tracing. Tracing failures degrade to a no-op provider.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		Debug:       cfg.Debug,
	})
	if err != nil {
		return nil, err
	}

	provider, err := InitTracing(ctx, TraceConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Endpoint,
		Protocol:    cfg.Protocol,
		Headers:     cfg.Headers,
		Insecure:    cfg.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if provider.Fallback() {
		logger.Warn("tracing exporter unavailable, running with no-op tracer",
			zap.String("endpoint", cfg.Endpoint),
			zap.String("protocol", cfg.Protocol),
		)
	}

	return &Telemetry{Logger: logger.Logger, Provider: provider}, nil
}

// MustInit panics if Init fails.
func MustInit(ctx context.Context, cfg Config) *Telemetry {
	tel, err := Init(ctx, cfg)
	if err != nil {
		panic(err)
	}
	return tel
}

// Shutdown flushes the tracer provider and syncs the logger.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	_ = t.Logger.Sync()
	return t.Provider.Shutdown(ctx)
}

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
