package core

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestIDKey     contextKey = "request_id"
)

// WithCorrelationID attaches a correlation ID to ctx. The ID rides every
// outbound provider request and every log record emitted on this ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the correlation ID carried by ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns ctx with a correlation ID, generating one when
// the inbound request did not carry one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFrom(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// WithRequestID attaches the inbound HTTP request ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request ID carried by ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
