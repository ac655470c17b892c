package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/messaging"
)

// Interceptor processes a call before it reaches the dispatcher
type Interceptor interface {
	// Intercept processes a call and invokes the next handler in the chain
	Intercept(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs the chain around finalHandler
func (c *InterceptorChain) Execute(ctx context.Context, req contracts.Request, finalHandler messaging.CallHandler) (any, error) {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, req)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = messaging.CallHandlerFunc(func(ctx context.Context, req contracts.Request) (any, error) {
			return interceptor.Intercept(ctx, req, currentHandler)
		})
	}

	return handler.Handle(ctx, req)
}

// Middleware adapts the chain to dispatcher middleware
func (c *InterceptorChain) Middleware() messaging.MiddlewareFunc {
	c.logger.Debug("interceptor chain installed", "interceptors", c.Names())
	return c.Execute
}

// LoggingInterceptor logs call processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
	start := time.Now()
	correlationID := messaging.CorrelationIDFromContext(ctx)

	i.logger.Debug("processing call",
		"model", req.Model,
		"id", req.ID,
		"method", req.Method,
		"correlationId", correlationID,
	)

	data, err := next.Handle(ctx, req)
	duration := time.Since(start)

	if err != nil {
		shape := contracts.AsErrorShape(err)
		level := slog.LevelWarn
		if shape.StatusCode >= 500 {
			level = slog.LevelError
		}
		i.logger.Log(ctx, level, "call failed",
			"model", req.Model,
			"id", req.ID,
			"method", req.Method,
			"correlationId", correlationID,
			"statusCode", shape.StatusCode,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("call completed",
			"model", req.Model,
			"id", req.ID,
			"method", req.Method,
			"correlationId", correlationID,
			"duration", duration,
		)
	}

	return data, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
