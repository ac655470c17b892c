// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcbridge exposes a model registry over a RabbitMQ topic exchange:
// requests arrive on <binding>.request.#, replies go to the caller's reply-to
// queue and model changes are broadcast on <binding>.changes.
package rpcbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/interceptors"
	"github.com/glimte/rpcbridge/messaging"
	rabbitmqTransport "github.com/glimte/rpcbridge/transports/rabbitmq"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("rpcbridge: server already started")

// Transport is the broker side of the server
type Transport interface {
	messaging.Broadcaster
	OnRequest(handler messaging.RequestHandler)
	Connect(ctx context.Context) error
	IsConnected() bool
	Close(ctx context.Context) error
}

// Server wires a registry to a transport: requests go through the dispatcher,
// model lifecycle events come back out as change broadcasts.
type Server struct {
	registry   *messaging.Registry
	transport  Transport
	dispatcher *messaging.Dispatcher
	notifier   *messaging.ChangeNotifier
	chain      *interceptors.InterceptorChain
	metrics    messaging.MetricsCollector
	logger     *slog.Logger

	mu           sync.Mutex
	started      bool
	subscription messaging.Subscription
}

// serverConfig holds server configuration
type serverConfig struct {
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	accessControl  messaging.AccessControl
	replyTimeout   time.Duration
	prefetch       int
	publishTimeout time.Duration
	tracer         trace.Tracer
	interceptors   []interceptors.Interceptor
	transport      Transport
}

// Option configures the server
type Option func(*serverConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serverConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the collector shared by transport, dispatcher and notifier
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(cfg *serverConfig) {
		cfg.metrics = metrics
	}
}

// WithAccessControl enables token resolution and access checks
func WithAccessControl(ac messaging.AccessControl) Option {
	return func(cfg *serverConfig) {
		cfg.accessControl = ac
	}
}

// WithReplyTimeout bounds how long a method may run; 0 disables the bound
func WithReplyTimeout(timeout time.Duration) Option {
	return func(cfg *serverConfig) {
		cfg.replyTimeout = timeout
	}
}

// WithPrefetch sets the broker prefetch of the default transport
func WithPrefetch(count int) Option {
	return func(cfg *serverConfig) {
		cfg.prefetch = count
	}
}

// WithPublishTimeout bounds reply and broadcast publishes of the default transport
func WithPublishTimeout(timeout time.Duration) Option {
	return func(cfg *serverConfig) {
		cfg.publishTimeout = timeout
	}
}

// WithTracer adds a tracing interceptor using tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *serverConfig) {
		cfg.tracer = tracer
	}
}

// WithInterceptors appends interceptors after the logging and tracing ones
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(cfg *serverConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

// WithTransport replaces the RabbitMQ transport
func WithTransport(transport Transport) Option {
	return func(cfg *serverConfig) {
		cfg.transport = transport
	}
}

// NewServer creates a server for registry. Nothing is dialed until Start.
func NewServer(settings config.Settings, registry *messaging.Registry, options ...Option) *Server {
	cfg := &serverConfig{
		logger:         slog.Default(),
		metrics:        messaging.NewSimpleMetricsCollector(),
		replyTimeout:   messaging.DefaultReplyTimeout,
		prefetch:       10,
		publishTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	chain := interceptors.NewInterceptorChain(cfg.logger).
		Add(interceptors.NewLoggingInterceptor(cfg.logger))
	if cfg.tracer != nil {
		chain.Add(interceptors.NewTracingInterceptor(cfg.tracer))
	}
	for _, i := range cfg.interceptors {
		chain.Add(i)
	}

	transport := cfg.transport
	if transport == nil {
		transport = rabbitmqTransport.New(settings,
			rabbitmqTransport.WithLogger(cfg.logger),
			rabbitmqTransport.WithMetrics(cfg.metrics),
			rabbitmqTransport.WithPrefetch(cfg.prefetch),
			rabbitmqTransport.WithPublishTimeout(cfg.publishTimeout),
		)
	}

	return &Server{
		registry:  registry,
		transport: transport,
		dispatcher: messaging.NewDispatcher(registry,
			messaging.WithDispatcherLogger(cfg.logger),
			messaging.WithAccessControl(cfg.accessControl),
			messaging.WithReplyTimeout(cfg.replyTimeout),
			messaging.WithDispatcherMetrics(cfg.metrics),
			messaging.WithMiddleware(chain.Middleware()),
		),
		notifier: messaging.NewChangeNotifier(registry, transport,
			messaging.WithNotifierLogger(cfg.logger),
			messaging.WithNotifierMetrics(cfg.metrics),
		),
		chain:   chain,
		metrics: cfg.metrics,
		logger:  cfg.logger,
	}
}

// Start connects the transport and begins broadcasting model changes
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.transport.OnRequest(s.dispatcher.Handle)
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	s.subscription = s.notifier.Subscribe()
	s.started = true

	s.logger.Info("bridge started",
		"models", s.registry.Models(),
		"interceptors", s.chain.Names(),
	)
	return nil
}

// Close stops change broadcasts, then drains and closes the transport
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.subscription.Cancel()
	return s.transport.Close(ctx)
}

// Dispatcher returns the request dispatcher
func (s *Server) Dispatcher() *messaging.Dispatcher {
	return s.dispatcher
}

// Registry returns the model registry
func (s *Server) Registry() *messaging.Registry {
	return s.registry
}

// Metrics returns the metrics collector
func (s *Server) Metrics() messaging.MetricsCollector {
	return s.metrics
}

// IsConnected reports whether the transport holds a live broker connection
func (s *Server) IsConnected() bool {
	return s.transport.IsConnected()
}
