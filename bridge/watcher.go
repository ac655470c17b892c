package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Change is a change broadcast as received by a watcher
type Change struct {
	Model      string
	Target     string
	Type       contracts.ChangeType
	Data       json.RawMessage
	Where      *contracts.Where
	RoutingKey string
}

// ChangeHandler receives changes in arrival order
type ChangeHandler func(ctx context.Context, change Change)

// Watcher follows change broadcasts on a private queue bound to the changes
// topic, optionally narrowed to a set of models.
type Watcher struct {
	settings config.Settings
	topology *rabbitmq.TopologyManager
	consumer *rabbitmq.Consumer
	logger   *slog.Logger
	queue    string
}

// WatcherOption configures the watcher
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher declares the watcher's queue on ch
func NewWatcher(ch rabbitmq.Channel, settings config.Settings, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		settings: settings.Normalize(),
		topology: rabbitmq.NewTopologyManager(ch),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.topology.DeclareExchange(exchangeDeclaration(w.settings)); err != nil {
		return nil, err
	}
	queue, err := w.topology.DeclareQueue(rabbitmq.QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return nil, err
	}
	w.queue = queue.Name
	w.consumer = rabbitmq.NewConsumer(ch,
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerTagPrefix("rpcbridge-watcher"),
		rabbitmq.WithConsumerLogger(w.logger),
	)
	return w, nil
}

// Queue returns the broker-assigned queue name
func (w *Watcher) Queue() string {
	return w.queue
}

// Watch binds the queue for the given models, or for every model when none
// are named, and starts delivering changes to handler until ctx is done or
// Close is called.
func (w *Watcher) Watch(ctx context.Context, handler ChangeHandler, models ...string) error {
	patterns := []string{contracts.ChangeBindingPattern(w.settings.Binding, "")}
	if len(models) > 0 {
		patterns = patterns[:0]
		for _, model := range models {
			patterns = append(patterns, contracts.ChangeBindingPattern(w.settings.Binding, model))
		}
	}

	for _, pattern := range patterns {
		err := w.topology.BindQueue(rabbitmq.Binding{
			Queue:      w.queue,
			Exchange:   w.settings.Exchange,
			RoutingKey: pattern,
		})
		if err != nil {
			return err
		}
	}

	return w.consumer.Subscribe(ctx, w.queue, func(ctx context.Context, delivery amqp.Delivery) {
		change, err := w.decode(delivery)
		if err != nil {
			w.logger.Warn("ignoring malformed change", "routingKey", delivery.RoutingKey, "error", err)
			return
		}
		handler(ctx, change)
	})
}

// decode reads model, target and type from the routing key and the rest from
// the body
func (w *Watcher) decode(delivery amqp.Delivery) (Change, error) {
	prefix := w.settings.Binding + contracts.TopicDelimiter + contracts.ChangesSegment + contracts.TopicDelimiter
	rest, ok := strings.CutPrefix(delivery.RoutingKey, prefix)
	if !ok {
		return Change{}, fmt.Errorf("unexpected routing key")
	}
	segments := strings.Split(rest, contracts.TopicDelimiter)
	if len(segments) != 3 {
		return Change{}, fmt.Errorf("expected 3 topic segments after %q, got %d", prefix, len(segments))
	}

	var body struct {
		Target string               `json:"target"`
		Type   contracts.ChangeType `json:"type"`
		Data   json.RawMessage      `json:"data"`
		Where  *contracts.Where     `json:"where"`
	}
	if err := json.Unmarshal(delivery.Body, &body); err != nil {
		return Change{}, err
	}

	change := Change{
		Model:      segments[0],
		Target:     segments[1],
		Type:       contracts.ChangeType(segments[2]),
		Data:       body.Data,
		Where:      body.Where,
		RoutingKey: delivery.RoutingKey,
	}
	if !change.Type.Valid() {
		return Change{}, fmt.Errorf("unknown change type %q", change.Type)
	}
	return change, nil
}

// Close stops delivering changes. The broker removes the queue once its
// consumer is gone.
func (w *Watcher) Close() error {
	return w.consumer.UnsubscribeAll()
}
