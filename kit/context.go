package kit

import (
	"context"

	"github.com/hazyhaar/domresolve/idgen"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "kit_correlation_id"
	RequestIDKey     contextKey = "kit_request_id"
	TransportKey     contextKey = "kit_transport" // "http", "mcp", "local"
)

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(CorrelationIDKey).(string)
	return v
}

// EnsureCorrelationID returns ctx carrying a correlation ID, minting one when
// absent. Every resolution, drift report, and evolution mutation carries the
// ID so events can be traced across components.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := idgen.Correlation()
	return WithCorrelationID(ctx, id), id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "local"
}
