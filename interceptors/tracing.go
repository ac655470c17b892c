package interceptors

import (
	"context"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/messaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingInterceptor wraps each call in an OpenTelemetry span
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a new tracing interceptor
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	return &TracingInterceptor{tracer: tracer}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
	spanCtx, span := i.tracer.Start(ctx, req.Model+"."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.RPCSystemKey.String("rpcbridge"),
			semconv.RPCService(req.Model),
			semconv.RPCMethod(req.Method),
			attribute.String("rpcbridge.instance_id", req.ID),
			attribute.Bool("rpcbridge.static", req.IsStatic()),
		),
	)
	defer span.End()

	if correlationID := messaging.CorrelationIDFromContext(ctx); correlationID != "" {
		span.SetAttributes(semconv.MessagingMessageConversationID(correlationID))
	}

	data, err := next.Handle(spanCtx, req)
	if err != nil {
		shape := contracts.AsErrorShape(err)
		span.SetAttributes(attribute.Int("rpcbridge.status_code", shape.StatusCode))
		span.RecordError(err)
		if shape.StatusCode >= 500 {
			span.SetStatus(codes.Error, shape.Message)
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return data, err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}
