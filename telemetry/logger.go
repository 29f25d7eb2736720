// Package telemetry provides the process-wide observability plumbing: the
// zap-backed implementation of core.Logger and the OpenTelemetry exporter
// setup.
//
// Purpose:
//   - One logger construction point; every component receives a
//     component-scoped child through core.ComponentAwareLogger
//   - Context-aware log calls stamp correlation, request, trace and span
//     identifiers onto each record
package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gpufleet/gpufleet/core"
)

// Logger adapts zap to core.Logger.
type Logger struct {
	zl *zap.Logger
}

var _ core.ComponentAwareLogger = (*Logger)(nil)

// NewLogger builds a production logger from the logging config. Format is
// "json" or "console"; unknown levels fall back to info.
func NewLogger(cfg core.LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zl, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{zl: zl}, nil
}

// NewTestLogger wraps an existing zap core, for tests that want to observe
// output.
func NewTestLogger(c zapcore.Core) *Logger {
	return &Logger{zl: zap.New(c)}
}

// Sync flushes buffered records. Call on shutdown.
func (l *Logger) Sync() error { return l.zl.Sync() }

// WithComponent returns a child logger carrying a component field.
func (l *Logger) WithComponent(component string) core.Logger {
	return &Logger{zl: l.zl.With(zap.String("component", component))}
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.zl.Info(msg, zapFields(fields)...)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.zl.Error(msg, zapFields(fields)...)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, zapFields(fields)...)
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.zl.Debug(msg, zapFields(fields)...)
}

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.zl.Info(msg, contextFields(ctx, fields)...)
}

func (l *Logger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.zl.Error(msg, contextFields(ctx, fields)...)
}

func (l *Logger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, contextFields(ctx, fields)...)
}

func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.zl.Debug(msg, contextFields(ctx, fields)...)
}

// zapFields converts the map form to zap fields in stable key order.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// contextFields appends the identifiers carried by ctx to the record.
func contextFields(ctx context.Context, fields map[string]interface{}) []zap.Field {
	out := zapFields(fields)
	if id := core.CorrelationIDFrom(ctx); id != "" {
		out = append(out, zap.String("correlation_id", id))
	}
	if id := core.RequestIDFrom(ctx); id != "" {
		out = append(out, zap.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return out
}
