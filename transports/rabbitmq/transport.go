// Package rabbitmq is the broker transport of the bridge: it consumes call
// requests, publishes correlated replies and broadcasts change events.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/internal/rabbitmq"
	"github.com/glimte/rpcbridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNoRequestHandler = errors.New("transport: no request handler registered")
	ErrNotConnected     = errors.New("transport: not connected")
)

// Transport implements the bridge transport for RabbitMQ
type Transport struct {
	settings       config.Settings
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	prefetch       int
	dialTimeout    time.Duration
	drainTimeout   time.Duration
	publishTimeout time.Duration

	handler messaging.RequestHandler

	mu        sync.RWMutex
	manager   *rabbitmq.ConnectionManager
	channel   rabbitmq.Channel
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	connected bool

	requestCtx     context.Context
	cancelRequests context.CancelFunc
	inflight       sync.WaitGroup
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithPrefetch sets how many unacknowledged requests the broker may push
func WithPrefetch(count int) TransportOption {
	return func(t *Transport) {
		t.prefetch = count
	}
}

// WithDialTimeout bounds the initial connection attempt
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) TransportOption {
	return func(t *Transport) {
		t.metrics = metrics
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight requests
func WithDrainTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.drainTimeout = timeout
	}
}

// WithPublishTimeout bounds each reply and broadcast publish
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.publishTimeout = timeout
	}
}

// New creates a transport for the given settings. Nothing is dialed until Connect.
func New(settings config.Settings, options ...TransportOption) *Transport {
	t := &Transport{
		settings:       settings.Normalize(),
		logger:         slog.Default(),
		metrics:        &messaging.NoOpMetricsCollector{},
		prefetch:       10,
		dialTimeout:    30 * time.Second,
		drainTimeout:   10 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Settings returns the normalized connection settings
func (t *Transport) Settings() config.Settings {
	return t.settings
}

// OnRequest registers the callback invoked for every inbound request.
// It must be called before Connect.
func (t *Transport) OnRequest(handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect dials the broker, asserts the topology and starts consuming.
// There is no retry: a failed dial returns a *rabbitmq.ConnectionError.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.RLock()
	hasHandler := t.handler != nil
	t.mu.RUnlock()
	if !hasHandler {
		return ErrNoRequestHandler
	}

	manager := rabbitmq.NewConnectionManager(
		t.settings.BrokerURL(),
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithDialTimeout(t.dialTimeout),
	)
	if err := manager.Connect(ctx); err != nil {
		return err
	}
	manager.AddStateListener(t)

	ch, err := manager.Channel()
	if err != nil {
		manager.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	t.mu.Lock()
	t.manager = manager
	t.mu.Unlock()

	if err := t.start(ctx, ch); err != nil {
		ch.Close()
		manager.Close()
		return err
	}
	return nil
}

// start asserts the topology on ch and starts the request consumer
func (t *Transport) start(ctx context.Context, ch rabbitmq.Channel) error {
	topology := rabbitmq.BridgeTopology(
		t.settings.Exchange,
		t.settings.Queue,
		contracts.RequestBindingPattern(t.settings.Binding),
	)
	if err := rabbitmq.NewTopologyManager(ch).DeclareTopology(topology); err != nil {
		return err
	}

	requestCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	consumer := rabbitmq.NewConsumer(ch,
		rabbitmq.WithPrefetchCount(t.prefetch),
		rabbitmq.WithConsumerLogger(t.logger),
	)

	t.mu.Lock()
	t.channel = ch
	t.publisher = rabbitmq.NewPublisher(ch, rabbitmq.WithPublishTimeout(t.publishTimeout))
	t.consumer = consumer
	t.requestCtx = requestCtx
	t.cancelRequests = cancel
	t.connected = true
	t.mu.Unlock()

	if err := consumer.Subscribe(requestCtx, t.settings.Queue, t.handleDelivery); err != nil {
		cancel()
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return err
	}

	t.logger.Info("bridge transport ready",
		"exchange", t.settings.Exchange,
		"queue", t.settings.Queue,
		"binding", contracts.RequestBindingPattern(t.settings.Binding),
	)
	return nil
}

// handleDelivery decodes a request and hands it to the handler in its own goroutine
func (t *Transport) handleDelivery(ctx context.Context, d amqp.Delivery) {
	if d.ReplyTo == "" {
		t.logger.Warn("request without reply-to dropped",
			"routingKey", d.RoutingKey,
			"correlationId", d.CorrelationId,
		)
		if err := d.Ack(false); err != nil {
			t.logger.Error("failed to ack request", "error", err)
		}
		return
	}

	reply := t.replyFunc(d)

	payload, err := contracts.DecodePayload(d.Body)
	if err != nil {
		t.logger.Debug("malformed request body", "correlationId", d.CorrelationId, "error", err)
		reply(contracts.ErrorResponse(contracts.BadRequest(err.Error())))
		return
	}

	t.mu.RLock()
	handler := t.handler
	requestCtx := t.requestCtx
	t.mu.RUnlock()
	if requestCtx == nil {
		requestCtx = ctx
	}

	// requests outlive the consumer so that Close can drain them
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		handler(messaging.WithCorrelationID(requestCtx, d.CorrelationId), payload, reply)
	}()
}

// replyFunc returns a one-shot reply bound to the delivery. The delivery is
// acknowledged only after the reply has been published.
func (t *Transport) replyFunc(d amqp.Delivery) messaging.ReplyFunc {
	var sent atomic.Bool
	return func(resp contracts.Response) {
		if !sent.CompareAndSwap(false, true) {
			t.logger.Warn("duplicate reply dropped", "correlationId", d.CorrelationId)
			return
		}

		if err := t.reply(d, resp); err != nil {
			t.logger.Error("failed to publish reply",
				"replyTo", d.ReplyTo,
				"correlationId", d.CorrelationId,
				"error", err,
			)
			if nackErr := d.Nack(false, false); nackErr != nil {
				t.logger.Error("failed to nack request", "error", nackErr)
			}
			return
		}

		if err := d.Ack(false); err != nil {
			t.logger.Error("failed to ack request", "correlationId", d.CorrelationId, "error", err)
		}
	}
}

// reply publishes resp to the delivery's reply-to queue through the default exchange
func (t *Transport) reply(d amqp.Delivery, resp contracts.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("failed to encode reply", "correlationId", d.CorrelationId, "error", err)
		body, err = json.Marshal(contracts.ErrorResponse(contracts.Internal("failed to encode reply: " + err.Error())))
		if err != nil {
			return err
		}
	}

	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()
	if publisher == nil {
		return ErrNotConnected
	}

	msg := rabbitmq.JSONPublishing(body)
	msg.CorrelationId = d.CorrelationId

	err = publisher.PublishToQueue(context.Background(), d.ReplyTo, msg)
	t.metrics.RecordReply(err == nil)
	return err
}

// Broadcast publishes a change event on <binding>.changes.<model>.<target>.<type>.
// Publishing is fire-and-forget.
func (t *Transport) Broadcast(ctx context.Context, model string, event contracts.ChangeEvent) error {
	topic, err := contracts.ChangeTopic(t.settings.Binding, model, event.Target, event.Type)
	if err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()
	if publisher == nil {
		return ErrNotConnected
	}

	return publisher.Publish(ctx, t.settings.Exchange, topic, rabbitmq.JSONPublishing(body))
}

// IsConnected reports whether the transport is consuming
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.metrics.RecordError("transport", "disconnected", err.Error())
	t.logger.Error("broker connection lost; requests are no longer consumed", "error", err)
}

// Close stops consuming, waits for in-flight requests, then closes the channel
// and connection
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	consumer := t.consumer
	ch := t.channel
	manager := t.manager
	cancel := t.cancelRequests
	t.connected = false
	t.mu.Unlock()

	if consumer != nil {
		if err := consumer.UnsubscribeAll(); err != nil {
			t.logger.Warn("failed to cancel consumer", "error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(drained)
	}()

	drainCtx, stop := context.WithTimeout(ctx, t.drainTimeout)
	defer stop()
	select {
	case <-drained:
	case <-drainCtx.Done():
		t.logger.Warn("closing with requests still in flight")
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	if ch != nil && !ch.IsClosed() {
		errs = append(errs, ch.Close())
	}
	if manager != nil {
		manager.RemoveStateListener(t)
		errs = append(errs, manager.Close())
	}
	return errors.Join(errs...)
}
