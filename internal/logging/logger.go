// Package logging builds the zap loggers used across the gateway.
//
// Purpose:
//   Construct a JSON zap logger with the gateway's constant fields, parse
//   textual log levels, and attach OpenTelemetry trace identifiers to
//   request-scoped loggers.
//
// Dependencies:
//   - go.uber.org/zap: structured logging
//   - go.opentelemetry.io/otel/trace: span context extraction
//
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger initialization.
type Config struct {
	// ServiceName identifies the process emitting logs.
	ServiceName string

	// Environment is the deployment environment (development, staging, production).
	Environment string

	// LogLevel controls verbosity (debug, info, warn, error).
	// Defaults to "info" if empty or invalid.
	LogLevel string

	// OutputPath is stdout, stderr, or a file path. Defaults to stdout.
	OutputPath string

	// Debug forces debug level regardless of LogLevel.
	Debug bool
}

// IsDevelopment reports whether the environment is development.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Logger wraps zap.Logger with trace-aware helpers.
type Logger struct {
	*zap.Logger
	config Config
}

// New creates a logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "auth-gateway"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "stdout"
	}

	level := ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	writer, err := outputWriter(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig(cfg.IsDevelopment())),
		zapcore.AddSync(writer),
		level,
	)

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
		),
	)

	return &Logger{Logger: logger, config: cfg}, nil
}

// MustNew creates a logger and panics on error.
func MustNew(cfg Config) *Logger {
	logger, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return logger
}

// WithContext returns a logger carrying trace_id and span_id when ctx holds a valid span.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	return FromContext(ctx, l.Logger)
}

// FromContext decorates base with the trace identifiers found in ctx.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return base
	}
	return base.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}

// ParseLevel converts a textual level to a zapcore.Level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	if development {
		cfg = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}

func outputWriter(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}
