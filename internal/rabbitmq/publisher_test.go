package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	t.Run("NewPublisher creates with defaults", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		publisher := NewPublisher(ch)
		assert.Equal(t, 10*time.Second, publisher.publishTimeout)

		publisher = NewPublisher(ch, WithPublishTimeout(time.Second))
		assert.Equal(t, time.Second, publisher.publishTimeout)
	})

	t.Run("Publish sends to the exchange", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("PublishWithContext", mock.Anything, "ex", "a.b", false, false, mock.Anything).Return(nil)

		err := NewPublisher(ch).Publish(context.Background(), "ex", "a.b", JSONPublishing([]byte(`{}`)))
		require.NoError(t, err)

		published := ch.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "application/json", published[0].ContentType)
		assert.Equal(t, []byte(`{}`), published[0].Body)
	})

	t.Run("PublishToQueue uses the default exchange", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("PublishWithContext", mock.Anything, "", "reply-queue", false, false, mock.Anything).Return(nil)

		require.NoError(t, NewPublisher(ch).PublishToQueue(context.Background(), "reply-queue", amqp.Publishing{}))
		ch.AssertExpectations(t)
	})

	t.Run("Publish wraps channel errors", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("boom"))

		err := NewPublisher(ch).Publish(context.Background(), "ex", "key", amqp.Publishing{})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "ex", pubErr.Exchange)
		assert.Equal(t, "key", pubErr.RoutingKey)
	})

	t.Run("Publish on a closed channel fails fast", func(t *testing.T) {
		ch := &rabbitmqtest.MockChannel{}
		ch.On("IsClosed").Return(true)

		err := NewPublisher(ch).Publish(context.Background(), "ex", "key", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrChannelClosed)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
