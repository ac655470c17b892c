package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	channel Channel
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channel Channel) *TopologyManager {
	return &TopologyManager{
		channel: channel,
	}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(exchange ExchangeDeclaration) error {
	err := tm.channel.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a single queue. An empty name asks the broker to
// generate one, which is returned in the queue.
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	q, err := tm.channel.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(binding Binding) error {
	err := tm.channel.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BridgeTopology is the topology the bridge asserts at startup: a durable topic
// exchange and a shared, non-exclusive queue bound with the request pattern
func BridgeTopology(exchange, queue, requestPattern string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{
				Name:    exchange,
				Type:    amqp.ExchangeTopic,
				Durable: true,
			},
		},
		Queues: []QueueDeclaration{
			{
				Name:      queue,
				Exclusive: false,
			},
		},
		Bindings: []Binding{
			{
				Queue:      queue,
				Exchange:   exchange,
				RoutingKey: requestPattern,
			},
		},
	}
}
