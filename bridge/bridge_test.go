package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockChannel(queue string, deliveries chan amqp.Delivery) *rabbitmqtest.MockChannel {
	ch := &rabbitmqtest.MockChannel{}
	ch.On("ExchangeDeclare", "loopback", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "", false, true, true, false, amqp.Table(nil)).Return(amqp.Queue{Name: queue}, nil)
	ch.On("Consume", queue, mock.AnythingOfType("string"), true, true, false, false, amqp.Table(nil)).
		Return((<-chan amqp.Delivery)(deliveries), nil)
	ch.On("IsClosed").Return(false)
	ch.On("Cancel", mock.Anything, false).Return(nil)
	return ch
}

func newTestCaller(t *testing.T, opts ...CallerOption) (*Caller, *rabbitmqtest.MockChannel, chan amqp.Delivery) {
	t.Helper()
	deliveries := make(chan amqp.Delivery, 4)
	ch := newMockChannel("amq.gen-reply", deliveries)
	caller, err := NewCaller(context.Background(), ch, config.Settings{}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { caller.Close() })
	return caller, ch, deliveries
}

// replyWith answers every published request with body
func replyWith(ch *rabbitmqtest.MockChannel, deliveries chan amqp.Delivery, routingKey, body string) {
	ch.On("PublishWithContext", mock.Anything, "loopback", routingKey, false, false, mock.Anything).
		Run(func(args mock.Arguments) {
			msg := args.Get(5).(amqp.Publishing)
			deliveries <- amqp.Delivery{CorrelationId: msg.CorrelationId, Body: []byte(body)}
		}).
		Return(nil)
}

func TestNewCaller(t *testing.T) {
	t.Run("declares a private reply queue and consumes it", func(t *testing.T) {
		caller, ch, _ := newTestCaller(t)

		assert.Equal(t, "amq.gen-reply", caller.ReplyQueue())
		assert.Equal(t, 0, caller.PendingCount())
		ch.AssertNotCalled(t, "Qos", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("options are applied", func(t *testing.T) {
		caller, _, _ := newTestCaller(t, WithMaxPendingRequests(5), WithDefaultTimeout(time.Second))

		assert.Equal(t, 5, caller.maxPending)
		assert.Equal(t, time.Second, caller.defaultTimeout)
	})

	t.Run("queue declaration failure is returned", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		ch.On("ExchangeDeclare", "loopback", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
		ch.On("QueueDeclare", "", false, true, true, false, amqp.Table(nil)).Return(amqp.Queue{}, errors.New("access refused"))

		_, err := NewCaller(context.Background(), ch, config.Settings{})
		assert.ErrorContains(t, err, "access refused")
	})
}

func TestCallerCall(t *testing.T) {
	t.Run("publishes the envelope and returns the correlated reply", func(t *testing.T) {
		caller, ch, deliveries := newTestCaller(t)
		replyWith(ch, deliveries, "loopback.request.Widget.count", `{"err":null,"data":3}`)

		reply, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "tok", map[string]any{"color": "red"})
		require.NoError(t, err)

		var n int
		require.NoError(t, reply.Decode(&n))
		assert.Equal(t, 3, n)
		assert.Equal(t, 0, caller.PendingCount())

		published := ch.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "amq.gen-reply", published[0].ReplyTo)
		assert.NotEmpty(t, published[0].CorrelationId)
		assert.JSONEq(t,
			`{"model":"Widget","id":"static","method":"count","token":"tok","args":[{"color":"red"}]}`,
			string(published[0].Body))
	})

	t.Run("remote errors are carried in the reply", func(t *testing.T) {
		caller, ch, deliveries := newTestCaller(t)
		replyWith(ch, deliveries, "loopback.request.Ghost.count",
			`{"err":{"message":"model Ghost is not defined","statusCode":404}}`)

		reply, err := caller.Invoke(context.Background(), "Ghost", contracts.StaticID, "count", "")
		require.NoError(t, err)
		require.NotNil(t, reply.Err)
		assert.Equal(t, 404, reply.Err.StatusCode)

		err = reply.Decode(nil)
		assert.EqualError(t, err, "404: model Ghost is not defined")
	})

	t.Run("times out without a reply", func(t *testing.T) {
		caller, ch, _ := newTestCaller(t)
		ch.On("PublishWithContext", mock.Anything, "loopback", "loopback.request.Widget.count", false, false, mock.Anything).Return(nil)

		req, err := contracts.NewRequest("Widget", contracts.StaticID, "count", "")
		require.NoError(t, err)

		_, err = caller.Call(context.Background(), req, 20*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, caller.PendingCount())
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		caller, ch, _ := newTestCaller(t)
		ch.On("PublishWithContext", mock.Anything, "loopback", "loopback.request.Widget.count", false, false, mock.Anything).
			Return(errors.New("channel closed"))

		_, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "")
		assert.ErrorContains(t, err, "failed to send request")
	})

	t.Run("invalid routing segment is rejected before publishing", func(t *testing.T) {
		caller, ch, _ := newTestCaller(t)

		_, err := caller.Invoke(context.Background(), "Wid.get", contracts.StaticID, "count", "")
		assert.ErrorIs(t, err, contracts.ErrInvalidTopicSegment)
		assert.Empty(t, ch.Published())
	})

	t.Run("malformed reply is an error", func(t *testing.T) {
		caller, ch, deliveries := newTestCaller(t)
		replyWith(ch, deliveries, "loopback.request.Widget.count", `not json`)

		_, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "")
		assert.ErrorContains(t, err, "malformed reply")
	})

	t.Run("pending table limit", func(t *testing.T) {
		caller, _, _ := newTestCaller(t, WithMaxPendingRequests(0))

		_, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "")
		assert.ErrorIs(t, err, ErrTooManyPending)
	})

	t.Run("Close interrupts waiting calls", func(t *testing.T) {
		caller, ch, _ := newTestCaller(t)
		published := make(chan struct{})
		ch.On("PublishWithContext", mock.Anything, "loopback", "loopback.request.Widget.count", false, false, mock.Anything).
			Run(func(mock.Arguments) { close(published) }).
			Return(nil)

		errs := make(chan error, 1)
		go func() {
			_, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "")
			errs <- err
		}()

		<-published
		require.NoError(t, caller.Close())
		assert.ErrorIs(t, <-errs, ErrCallerClosed)

		_, err := caller.Invoke(context.Background(), "Widget", contracts.StaticID, "count", "")
		assert.ErrorIs(t, err, ErrCallerClosed)
	})

	t.Run("replies for unknown correlation ids are ignored", func(t *testing.T) {
		caller, _, deliveries := newTestCaller(t)

		deliveries <- amqp.Delivery{CorrelationId: "stale", Body: []byte(`{"err":null}`)}
		deliveries <- amqp.Delivery{Body: []byte(`{"err":null}`)}
		assert.Eventually(t, func() bool { return len(deliveries) == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, caller.PendingCount())
	})
}

func TestCallerCleanup(t *testing.T) {
	caller, _, _ := newTestCaller(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caller.pending["expired"] = &pendingRequest{id: "expired", deadline: time.Now().Add(-time.Second), cancel: cancel}
	caller.pending["live"] = &pendingRequest{id: "live", deadline: time.Now().Add(time.Minute), cancel: func() {}}

	caller.cleanupExpiredRequests()

	assert.Equal(t, 1, caller.PendingCount())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestWatcher(t *testing.T) {
	newTestWatcher := func(t *testing.T) (*Watcher, *rabbitmqtest.MockChannel, chan amqp.Delivery) {
		t.Helper()
		deliveries := make(chan amqp.Delivery, 4)
		ch := newMockChannel("amq.gen-watch", deliveries)
		w, err := NewWatcher(ch, config.Settings{})
		require.NoError(t, err)
		t.Cleanup(func() { w.Close() })
		return w, ch, deliveries
	}

	t.Run("binds every model by default and decodes changes", func(t *testing.T) {
		w, ch, deliveries := newTestWatcher(t)
		ch.On("QueueBind", "amq.gen-watch", "loopback.changes.#", "loopback", false, amqp.Table(nil)).Return(nil)

		changes := make(chan Change, 2)
		require.NoError(t, w.Watch(context.Background(), func(ctx context.Context, c Change) { changes <- c }))
		assert.Equal(t, "amq.gen-watch", w.Queue())

		deliveries <- amqp.Delivery{
			RoutingKey: "loopback.changes.Widget.42.update",
			Body:       []byte(`{"target":"42","type":"update","data":{"id":"42","name":"w"}}`),
		}
		deliveries <- amqp.Delivery{
			RoutingKey: "loopback.changes.Widget.42.remove",
			Body:       []byte(`{"target":"42","type":"remove","where":{"id":"42"}}`),
		}

		update := <-changes
		assert.Equal(t, "Widget", update.Model)
		assert.Equal(t, "42", update.Target)
		assert.Equal(t, contracts.ChangeUpdate, update.Type)
		assert.JSONEq(t, `{"id":"42","name":"w"}`, string(update.Data))

		remove := <-changes
		assert.Equal(t, contracts.ChangeRemove, remove.Type)
		assert.Equal(t, &contracts.Where{ID: "42"}, remove.Where)
	})

	t.Run("binds one pattern per named model", func(t *testing.T) {
		w, ch, _ := newTestWatcher(t)
		ch.On("QueueBind", "amq.gen-watch", "loopback.changes.Widget.#", "loopback", false, amqp.Table(nil)).Return(nil)
		ch.On("QueueBind", "amq.gen-watch", "loopback.changes.Gadget.#", "loopback", false, amqp.Table(nil)).Return(nil)

		require.NoError(t, w.Watch(context.Background(), func(context.Context, Change) {}, "Widget", "Gadget"))
		ch.AssertNumberOfCalls(t, "QueueBind", 2)
	})

	t.Run("malformed changes are skipped", func(t *testing.T) {
		w, ch, deliveries := newTestWatcher(t)
		ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, false, amqp.Table(nil)).Return(nil)

		changes := make(chan Change, 4)
		require.NoError(t, w.Watch(context.Background(), func(ctx context.Context, c Change) { changes <- c }))

		deliveries <- amqp.Delivery{RoutingKey: "other.changes.Widget.1.create", Body: []byte(`{}`)}
		deliveries <- amqp.Delivery{RoutingKey: "loopback.changes.Widget.create", Body: []byte(`{}`)}
		deliveries <- amqp.Delivery{RoutingKey: "loopback.changes.Widget.1.explode", Body: []byte(`{}`)}
		deliveries <- amqp.Delivery{RoutingKey: "loopback.changes.Widget.1.create", Body: []byte(`{"data":{"id":"1"}}`)}

		select {
		case c := <-changes:
			assert.Equal(t, contracts.ChangeCreate, c.Type)
			var data map[string]any
			require.NoError(t, json.Unmarshal(c.Data, &data))
			assert.Equal(t, "1", data["id"])
		case <-time.After(time.Second):
			t.Fatal("no change delivered")
		}
		assert.Empty(t, changes)
	})

	t.Run("bind failure is returned", func(t *testing.T) {
		w, ch, _ := newTestWatcher(t)
		ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, false, amqp.Table(nil)).Return(errors.New("no exchange"))

		err := w.Watch(context.Background(), func(context.Context, Change) {})
		assert.ErrorContains(t, err, "no exchange")
	})
}
