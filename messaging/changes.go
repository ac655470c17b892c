package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/rpcbridge/contracts"
)

// ChangeNotifier broadcasts lifecycle events of observable models
type ChangeNotifier struct {
	registry    *Registry
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     MetricsCollector
}

// ChangeNotifierOption configures the ChangeNotifier
type ChangeNotifierOption func(*ChangeNotifier)

// WithNotifierLogger sets the logger
func WithNotifierLogger(logger *slog.Logger) ChangeNotifierOption {
	return func(n *ChangeNotifier) {
		n.logger = logger
	}
}

// WithNotifierMetrics sets the metrics collector
func WithNotifierMetrics(metrics MetricsCollector) ChangeNotifierOption {
	return func(n *ChangeNotifier) {
		n.metrics = metrics
	}
}

// NewChangeNotifier creates a notifier publishing through broadcaster
func NewChangeNotifier(registry *Registry, broadcaster Broadcaster, opts ...ChangeNotifierOption) *ChangeNotifier {
	n := &ChangeNotifier{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      slog.Default(),
		metrics:     &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Subscribe attaches one after-save and one after-delete observer to every
// observable model. Cancelling the returned subscription detaches them all.
func (n *ChangeNotifier) Subscribe() Subscription {
	var subs []Subscription

	for _, def := range n.registry.Definitions() {
		if def.Observable == nil {
			continue
		}
		model := def.Name
		subs = append(subs,
			def.Observable.Observe(AfterSave, func(ctx context.Context, lc LifecycleContext) error {
				changeType := contracts.ChangeUpdate
				if lc.IsNewInstance {
					changeType = contracts.ChangeCreate
				}
				n.publish(ctx, model, contracts.NewChangeEvent(lc.ID, changeType, lc.Instance))
				return nil
			}),
			def.Observable.Observe(AfterDelete, func(ctx context.Context, lc LifecycleContext) error {
				n.publish(ctx, model, contracts.NewChangeEvent(lc.ID, contracts.ChangeRemove, nil))
				return nil
			}),
		)
		n.logger.Debug("observing model changes", "model", model)
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			for _, sub := range subs {
				sub.Cancel()
			}
		})
	})
}

// publish never fails the store operation; errors are logged and counted
func (n *ChangeNotifier) publish(ctx context.Context, model string, event contracts.ChangeEvent) {
	err := n.broadcaster.Broadcast(ctx, model, event)
	n.metrics.RecordBroadcast(model, event.Type, err == nil)
	if err != nil {
		n.metrics.RecordError("notifier", "broadcast", err.Error())
		n.logger.Error("failed to broadcast change",
			"model", model,
			"target", event.Target,
			"type", event.Type,
			"error", err,
		)
		return
	}
	n.logger.Debug("change broadcast",
		"model", model,
		"target", event.Target,
		"type", event.Type,
	)
}
