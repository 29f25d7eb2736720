package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gpufleet/gpufleet/core"
)

func observedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	c, logs := observer.New(level)
	return NewTestLogger(c), logs
}

func TestNewLoggerValidatesLevel(t *testing.T) {
	_, err := NewLogger(core.LoggingConfig{Level: "verbose"})
	require.Error(t, err)

	l, err := NewLogger(core.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestLoggerEmitsFields(t *testing.T) {
	l, logs := observedLogger(zapcore.InfoLevel)

	l.Info("Instance status changed", map[string]interface{}{
		"instance_id": "abc",
		"from":        "running",
		"to":          "ready",
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Instance status changed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "abc", fields["instance_id"])
	assert.Equal(t, "ready", fields["to"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	l, logs := observedLogger(zapcore.InfoLevel)

	l.Debug("hidden", nil)
	l.Warn("shown", nil)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}

func TestWithComponentScopesRecords(t *testing.T) {
	l, logs := observedLogger(zapcore.InfoLevel)

	child := l.WithComponent("queue")
	child.Info("Job leased", nil)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "queue", entries[0].ContextMap()["component"])
}

func TestContextVariantsAttachIdentifiers(t *testing.T) {
	l, logs := observedLogger(zapcore.InfoLevel)

	ctx := core.WithCorrelationID(context.Background(), "corr-1")
	ctx = core.WithRequestID(ctx, "req-1")
	l.InfoWithContext(ctx, "request handled", nil)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestContextVariantsWithoutIdentifiers(t *testing.T) {
	l, logs := observedLogger(zapcore.InfoLevel)

	l.ErrorWithContext(context.Background(), "boom", map[string]interface{}{"error": "x"})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "x", fields["error"])
	assert.NotContains(t, fields, "correlation_id")
}

func TestInitDisabledIsNoOp(t *testing.T) {
	shutdown, err := Init(context.Background(), core.TelemetryConfig{Enabled: false}, "gpufleet", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
