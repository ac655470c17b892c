// Package interceptors provides dispatcher middleware for cross-cutting
// concerns around a remote call.
//
// Interceptors run after the request envelope has been validated, in the order
// they were added:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewTracingInterceptor(otel.Tracer("rpcbridge"))).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	dispatcher := messaging.NewDispatcher(registry,
//		messaging.WithMiddleware(chain.Middleware()),
//	)
package interceptors
