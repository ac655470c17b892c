package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/rpcbridge/contracts"
)

// DefaultReplyTimeout bounds how long a request may stay pending
const DefaultReplyTimeout = 30 * time.Second

// CallHandler runs a validated request and returns the reply data
type CallHandler interface {
	Handle(ctx context.Context, req contracts.Request) (any, error)
}

// CallHandlerFunc is a function adapter for CallHandler
type CallHandlerFunc func(ctx context.Context, req contracts.Request) (any, error)

// Handle implements CallHandler
func (f CallHandlerFunc) Handle(ctx context.Context, req contracts.Request) (any, error) {
	return f(ctx, req)
}

// MiddlewareFunc wraps everything after envelope validation
type MiddlewareFunc func(ctx context.Context, req contracts.Request, next CallHandler) (any, error)

// Dispatcher routes requests to model methods and replies exactly once
type Dispatcher struct {
	registry     *Registry
	access       AccessControl
	replyTimeout time.Duration
	logger       *slog.Logger
	metrics      MetricsCollector
	middleware   []MiddlewareFunc
	handler      CallHandler
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithAccessControl enables access checks
func WithAccessControl(ac AccessControl) DispatcherOption {
	return func(d *Dispatcher) {
		d.access = ac
	}
}

// WithReplyTimeout sets how long a method may run before the caller gets a
// 504. Zero disables the timeout.
func WithReplyTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.replyTimeout = timeout
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithMiddleware appends middleware. The first one added runs outermost.
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		replyTimeout: DefaultReplyTimeout,
		logger:       slog.Default(),
		metrics:      &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(d)
	}

	var handler CallHandler = CallHandlerFunc(d.dispatch)
	for i := len(d.middleware) - 1; i >= 0; i-- {
		mw := d.middleware[i]
		next := handler
		handler = CallHandlerFunc(func(ctx context.Context, req contracts.Request) (any, error) {
			return mw(ctx, req, next)
		})
	}
	d.handler = handler

	return d
}

// Handle processes one request body. It satisfies RequestHandler.
func (d *Dispatcher) Handle(ctx context.Context, payload contracts.Payload, reply ReplyFunc) {
	start := time.Now()
	var req contracts.Request

	once := OnceReply(reply, func(resp contracts.Response) {
		d.logger.Warn("duplicate reply ignored",
			"model", req.Model,
			"method", req.Method,
			"correlationId", CorrelationIDFromContext(ctx),
		)
	})

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handling panicked",
				"model", req.Model,
				"method", req.Method,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.finish(once, req, start, nil, contracts.Internal(fmt.Sprintf("%v", r)))
		}
	}()

	req, err := payload.Validate()
	if err != nil {
		d.finish(once, req, start, nil, err)
		return
	}

	data, err := d.handler.Handle(ctx, req)
	d.finish(once, req, start, data, err)
}

func (d *Dispatcher) finish(reply ReplyFunc, req contracts.Request, start time.Time, data any, err error) {
	var (
		resp   contracts.Response
		status int
	)
	if err != nil {
		resp = contracts.ErrorResponse(err)
		status = resp.Err.StatusCode
	} else {
		resp = contracts.Response{Data: data}
	}

	d.metrics.RecordRequest(req.Model, req.Method, time.Since(start), status)
	reply(resp)
}

// dispatch resolves the model, authorizes, resolves the target and invokes
func (d *Dispatcher) dispatch(ctx context.Context, req contracts.Request) (any, error) {
	def, ok := d.registry.Lookup(req.Model)
	if !ok {
		return nil, contracts.ModelNotDefined(req.Model)
	}

	static := req.IsStatic()

	identity, err := d.authorize(ctx, req, static)
	if err != nil {
		return nil, err
	}

	var target any
	if !static {
		if def.Store == nil {
			return nil, contracts.InstanceNotFound(req.Model, req.Method)
		}
		target, err = def.Store.FindByID(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, contracts.InstanceNotFound(req.Model, req.Method)
		}
	}

	method, ok := def.Method(req.Method, static)
	if !ok {
		return nil, contracts.MethodNotDefined(req.Model, req.Method, static)
	}

	return d.invoke(ctx, method, Call{
		Model:    req.Model,
		ID:       req.ID,
		Method:   req.Method,
		Args:     req.Args,
		Identity: identity,
		Target:   target,
	})
}

// authorize resolves the caller and checks access. Static calls are checked
// with an empty instance id.
func (d *Dispatcher) authorize(ctx context.Context, req contracts.Request, static bool) (*Identity, error) {
	if !d.access.active() {
		return nil, nil
	}

	var identity *Identity
	if req.Token != "" && d.access.Resolver != nil {
		resolved, err := d.access.Resolver.ResolveIdentity(ctx, req.Token)
		switch {
		case errors.Is(err, ErrInvalidToken):
			d.logger.Debug("token rejected, continuing as anonymous", "model", req.Model, "error", err)
		case err != nil:
			return nil, err
		default:
			identity = resolved
		}
	}

	instanceID := req.ID
	if static {
		instanceID = ""
	}

	allowed, err := d.access.Checker.CheckAccess(ctx, identity, instanceID, MethodDescriptor{
		Model:  req.Model,
		Name:   req.Method,
		Static: static,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		if identity == nil {
			return nil, contracts.TokenRequired()
		}
		return nil, contracts.AccessDenied()
	}

	return identity, nil
}

// invoke runs the method and waits for its completion, the reply timeout or
// the request context, whichever comes first
func (d *Dispatcher) invoke(ctx context.Context, method Method, call Call) (any, error) {
	if d.replyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.replyTimeout)
		defer cancel()
	}

	c := newCompletion(func(data any, err error) {
		d.logger.Warn("late method completion dropped",
			"model", call.Model,
			"method", call.Method,
			"id", call.ID,
			"error", err,
		)
	})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("method panicked",
					"model", call.Model,
					"method", call.Method,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				c.complete(nil, contracts.Internal(fmt.Sprintf("method %s of %s panicked: %v", call.Method, call.Model, r)))
			}
		}()
		method(ctx, call, c.complete)
	}()

	select {
	case r := <-c.result:
		return r.data, r.err
	case <-ctx.Done():
	}

	// a completion may have raced the deadline
	if !c.done.CompareAndSwap(false, true) {
		r := <-c.result
		return r.data, r.err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, contracts.MethodTimeout(call.Model, call.Method)
	}
	return nil, contracts.Internal(fmt.Sprintf("request canceled: %v", ctx.Err()))
}
