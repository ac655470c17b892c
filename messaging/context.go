package messaging

import "context"

type contextKey string

const correlationIDKey contextKey = "rpcbridge:correlation-id"

// WithCorrelationID stores the broker correlation id on ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id stored on ctx, if any
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
