package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrCallerClosed is returned by calls made after, or interrupted by, Close
	ErrCallerClosed = errors.New("bridge: caller closed")
	// ErrTooManyPending is returned when the pending request table is full
	ErrTooManyPending = errors.New("bridge: too many pending requests")
)

// Reply is a response as seen by the caller. Data is left encoded so callers
// can decode it into their own types.
type Reply struct {
	Err  *contracts.ErrorShape `json:"err"`
	Data json.RawMessage       `json:"data,omitempty"`
}

// Decode returns the remote error, if any, or decodes Data into v
func (r Reply) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type callResult struct {
	reply Reply
	err   error
}

// pendingRequest is a request waiting for its correlated reply
type pendingRequest struct {
	id       string
	result   chan callResult
	deadline time.Time
	cancel   context.CancelFunc
}

// CallerConfig holds configuration for the caller
type CallerConfig struct {
	CleanupInterval    time.Duration
	MaxPendingRequests int
	DefaultTimeout     time.Duration
	Logger             *slog.Logger
}

// CallerOption configures the caller
type CallerOption func(*CallerConfig)

// WithCleanupInterval sets the interval for cleaning up expired requests
func WithCleanupInterval(interval time.Duration) CallerOption {
	return func(c *CallerConfig) {
		c.CleanupInterval = interval
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) CallerOption {
	return func(c *CallerConfig) {
		c.MaxPendingRequests = max
	}
}

// WithDefaultTimeout sets the timeout used by Invoke
func WithDefaultTimeout(timeout time.Duration) CallerOption {
	return func(c *CallerConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CallerOption {
	return func(c *CallerConfig) {
		c.Logger = logger
	}
}

// Caller sends requests to a bridge and waits for the correlated replies on a
// private, broker-named reply queue.
type Caller struct {
	settings   config.Settings
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	replyQueue string
	logger     *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingRequest
	maxPending int

	defaultTimeout time.Duration
	cleanupTicker  *time.Ticker
	done           chan struct{}
	closeOnce      sync.Once
}

// NewCaller declares the reply queue on ch and starts consuming replies.
// The caller does not own ch; closing it is left to the owner.
func NewCaller(ctx context.Context, ch rabbitmq.Channel, settings config.Settings, opts ...CallerOption) (*Caller, error) {
	cfg := &CallerConfig{
		CleanupInterval:    30 * time.Second,
		MaxPendingRequests: 1000,
		DefaultTimeout:     30 * time.Second,
		Logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	settings = settings.Normalize()
	topology := rabbitmq.NewTopologyManager(ch)
	if err := topology.DeclareExchange(exchangeDeclaration(settings)); err != nil {
		return nil, err
	}
	queue, err := topology.DeclareQueue(rabbitmq.QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return nil, err
	}

	c := &Caller{
		settings:       settings,
		publisher:      rabbitmq.NewPublisher(ch),
		replyQueue:     queue.Name,
		logger:         cfg.Logger,
		pending:        make(map[string]*pendingRequest),
		maxPending:     cfg.MaxPendingRequests,
		defaultTimeout: cfg.DefaultTimeout,
		cleanupTicker:  time.NewTicker(cfg.CleanupInterval),
		done:           make(chan struct{}),
	}
	c.consumer = rabbitmq.NewConsumer(ch,
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerTagPrefix("rpcbridge-caller"),
		rabbitmq.WithConsumerLogger(cfg.Logger),
	)
	if err := c.consumer.Subscribe(context.WithoutCancel(ctx), c.replyQueue, c.handleReply); err != nil {
		c.cleanupTicker.Stop()
		return nil, fmt.Errorf("failed to subscribe to reply queue: %w", err)
	}

	go c.cleanupRoutine()

	return c, nil
}

// ReplyQueue returns the broker-assigned reply queue name
func (c *Caller) ReplyQueue() string {
	return c.replyQueue
}

// Invoke builds a request from its parts and calls it with the default timeout
func (c *Caller) Invoke(ctx context.Context, model, id, method, token string, args ...any) (Reply, error) {
	req, err := contracts.NewRequest(model, id, method, token, args...)
	if err != nil {
		return Reply{}, err
	}
	return c.Call(ctx, req, c.defaultTimeout)
}

// Call publishes req and waits up to timeout for its reply. A remote error is
// carried in the Reply; the returned error covers transport failures only.
func (c *Caller) Call(ctx context.Context, req contracts.Request, timeout time.Duration) (Reply, error) {
	select {
	case <-c.done:
		return Reply{}, ErrCallerClosed
	default:
	}

	routingKey, err := contracts.RequestRoutingKey(c.settings.Binding, req.Model, req.Method)
	if err != nil {
		return Reply{}, err
	}
	if req.Args == nil {
		req.Args = []json.RawMessage{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	correlationID := uuid.New().String()
	pending := &pendingRequest{
		id:       correlationID,
		result:   make(chan callResult, 1),
		deadline: time.Now().Add(timeout),
		cancel:   cancel,
	}

	c.mu.Lock()
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return Reply{}, ErrTooManyPending
	}
	c.pending[correlationID] = pending
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	msg := rabbitmq.JSONPublishing(body)
	msg.ReplyTo = c.replyQueue
	msg.CorrelationId = correlationID
	if err := c.publisher.Publish(requestCtx, c.settings.Exchange, routingKey, msg); err != nil {
		return Reply{}, fmt.Errorf("failed to send request: %w", err)
	}

	c.logger.Debug("request sent",
		"model", req.Model,
		"method", req.Method,
		"correlationId", correlationID,
	)

	select {
	case res := <-pending.result:
		return res.reply, res.err
	case <-requestCtx.Done():
		return Reply{}, fmt.Errorf("call %s.%s: %w", req.Model, req.Method, requestCtx.Err())
	case <-c.done:
		return Reply{}, ErrCallerClosed
	}
}

// handleReply routes a reply to the request waiting on its correlation id
func (c *Caller) handleReply(ctx context.Context, delivery amqp.Delivery) {
	if delivery.CorrelationId == "" {
		c.logger.Warn("reply missing correlation id")
		return
	}

	c.mu.Lock()
	pending, exists := c.pending[delivery.CorrelationId]
	c.mu.Unlock()

	if !exists {
		c.logger.Debug("no pending request for reply", "correlationId", delivery.CorrelationId)
		return
	}

	var res callResult
	if err := json.Unmarshal(delivery.Body, &res.reply); err != nil {
		res.err = fmt.Errorf("malformed reply: %w", err)
	}

	select {
	case pending.result <- res:
	default:
		c.logger.Warn("duplicate reply dropped", "correlationId", delivery.CorrelationId)
	}
}

func (c *Caller) cleanupRoutine() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.cleanupExpiredRequests()
		case <-c.done:
			return
		}
	}
}

// cleanupExpiredRequests cancels requests that outlived their deadline
func (c *Caller) cleanupExpiredRequests() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.pending {
		if now.After(req.deadline) {
			req.cancel()
			delete(c.pending, id)
		}
	}
}

// PendingCount returns the number of requests waiting for a reply
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails pending calls with ErrCallerClosed and stops consuming replies
func (c *Caller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cleanupTicker.Stop()

		err = c.consumer.UnsubscribeAll()
	})
	return err
}

func exchangeDeclaration(settings config.Settings) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:    settings.Exchange,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	}
}
