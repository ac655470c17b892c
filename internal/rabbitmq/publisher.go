package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on a single channel.
// Publishing is fire-and-forget: no confirms and no retries.
type Publisher struct {
	channel        Channel
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a single publish when the context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channel Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channel:        channel,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message to an exchange
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if p.channel.IsClosed() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrChannelClosed, Timestamp: time.Now()}
	}

	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// PublishToQueue publishes directly to a queue through the default exchange
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return p.Publish(ctx, "", queue, msg)
}

// JSONPublishing builds a transient JSON message
func JSONPublishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
}
