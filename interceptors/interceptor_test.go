package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, req contracts.Request) (any, error) {
	args := m.Called(ctx, req)
	return args.Get(0), args.Error(1)
}

var countRequest = contracts.Request{Model: "Widget", ID: "static", Method: "count"}

func TestInterceptorChain(t *testing.T) {
	t.Run("empty chain calls the final handler", func(t *testing.T) {
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, countRequest).Return(3, nil)

		data, err := NewInterceptorChain(nil).Execute(context.Background(), countRequest, handler)

		require.NoError(t, err)
		assert.Equal(t, 3, data)
		handler.AssertExpectations(t)
	})

	t.Run("interceptors run in the order added", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
				order = append(order, name)
				return next.Handle(ctx, req)
			})
		}
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, countRequest).Return(nil, nil)

		chain := NewInterceptorChain(nil).Add(record("first")).Add(record("second"))
		_, err := chain.Execute(context.Background(), countRequest, handler)

		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, order)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("an interceptor can short-circuit", func(t *testing.T) {
		handler := &mockHandler{}
		deny := NewInterceptorFunc("deny", func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
			return nil, contracts.AccessDenied()
		})

		_, err := NewInterceptorChain(nil).Add(deny).Execute(context.Background(), countRequest, handler)

		assert.Equal(t, contracts.AccessDenied(), err)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("Middleware plugs into the dispatcher", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, registry.Register(messaging.ModelDefinition{
			Name: "Widget",
			StaticMethods: map[string]messaging.Method{
				"count": func(ctx context.Context, call messaging.Call, done messaging.Completion) {
					done(3, nil)
				},
			},
		}))
		var seen []string
		chain := NewInterceptorChain(nil).Add(NewInterceptorFunc("spy", func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
			seen = append(seen, req.Model+"."+req.Method)
			return next.Handle(ctx, req)
		}))
		dispatcher := messaging.NewDispatcher(registry, messaging.WithMiddleware(chain.Middleware()))

		var got contracts.Response
		p, err := contracts.DecodePayload([]byte(`{"model":"Widget","id":"static","method":"count","args":[]}`))
		require.NoError(t, err)
		dispatcher.Handle(context.Background(), p, func(resp contracts.Response) { got = resp })

		assert.Equal(t, []string{"Widget.count"}, seen)
		assert.Equal(t, 3, got.Data)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	newLogger := func() (*slog.Logger, *bytes.Buffer) {
		var buf bytes.Buffer
		return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
	}

	t.Run("logs success with correlation id", func(t *testing.T) {
		logger, buf := newLogger()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, countRequest).Return(3, nil)

		ctx := messaging.WithCorrelationID(context.Background(), "corr-1")
		data, err := NewLoggingInterceptor(logger).Intercept(ctx, countRequest, handler)

		require.NoError(t, err)
		assert.Equal(t, 3, data)
		assert.Contains(t, buf.String(), "call completed")
		assert.Contains(t, buf.String(), "correlationId=corr-1")
	})

	t.Run("client errors log at warn", func(t *testing.T) {
		logger, buf := newLogger()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, countRequest).Return(nil, contracts.ModelNotDefined("Widget"))

		_, err := NewLoggingInterceptor(logger).Intercept(context.Background(), countRequest, handler)

		require.Error(t, err)
		assert.Contains(t, buf.String(), "level=WARN")
		assert.Contains(t, buf.String(), "statusCode=404")
	})

	t.Run("internal errors log at error", func(t *testing.T) {
		logger, buf := newLogger()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, countRequest).Return(nil, errors.New("disk full"))

		_, err := NewLoggingInterceptor(logger).Intercept(context.Background(), countRequest, handler)

		require.Error(t, err)
		assert.Contains(t, buf.String(), "level=ERROR")
		assert.Contains(t, buf.String(), "statusCode=500")
	})

	t.Run("Name", func(t *testing.T) {
		assert.Equal(t, "LoggingInterceptor", NewLoggingInterceptor(nil).Name())
	})
}
