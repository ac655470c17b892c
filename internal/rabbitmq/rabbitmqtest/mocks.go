// Package rabbitmqtest provides testify mocks for the broker channel and
// delivery acknowledger.
package rabbitmqtest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// MockChannel is a mock rabbitmq.Channel
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *MockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(<-chan amqp.Delivery), a.Error(1)
}

func (m *MockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *MockChannel) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *MockChannel) Close() error {
	return m.Called().Error(0)
}

// Published returns the messages passed to PublishWithContext, in call order
func (m *MockChannel) Published() []amqp.Publishing {
	var out []amqp.Publishing
	for _, call := range m.Calls {
		if call.Method == "PublishWithContext" {
			out = append(out, call.Arguments.Get(5).(amqp.Publishing))
		}
	}
	return out
}

// MockAcknowledger is a mock amqp.Acknowledger
type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *MockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

// RecordingAcknowledger counts acknowledgments without expectations
type RecordingAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (r *RecordingAcknowledger) Ack(tag uint64, multiple bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks++
	return nil
}

func (r *RecordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacks++
	return nil
}

func (r *RecordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

// Acks returns the number of acks seen
func (r *RecordingAcknowledger) Acks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks
}

// Nacks returns the number of nacks and rejects seen
func (r *RecordingAcknowledger) Nacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacks
}
