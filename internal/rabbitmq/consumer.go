package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages. Unless the consumer runs with
// auto-ack, the handler owns the delivery's acknowledgment.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages message consumption from a channel
type Consumer struct {
	channel         Channel
	prefetchCount   int
	autoAck         bool
	exclusive       bool
	tagPrefix       string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channel Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channel:       channel,
		prefetchCount: 10,
		tagPrefix:     "rpcbridge",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue. Deliveries are handed to
// the handler one at a time, in arrival order.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if _, exists := c.activeConsumers.Load(queue); exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed, Timestamp: time.Now()}
	}

	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())

	if !c.autoAck && c.prefetchCount > 0 {
		if err := c.channel.Qos(c.prefetchCount, 0, false); err != nil {
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := c.channel.Consume(
		queue,
		tag,
		c.autoAck,
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(queue, info)

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return nil
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		close(info.Done)
		c.activeConsumers.Delete(info.Queue)
		c.logger.Info("consumer stopped", "queue", info.Queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Unsubscribe stops consuming from a queue and waits for the loop to exit
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)

	var cancelErr error
	if !c.channel.IsClosed() {
		cancelErr = c.channel.Cancel(info.ConsumerTag, false)
	}
	info.Cancel()
	<-info.Done

	if cancelErr != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: info.ConsumerTag, Op: "cancel", Err: cancelErr, Timestamp: time.Now()}
	}
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var firstErr error
	for _, queue := range c.GetActiveConsumers() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
