package rpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/interceptors"
	"github.com/glimte/rpcbridge/messaging"
	"github.com/glimte/rpcbridge/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport hands requests straight to the registered handler and
// records broadcasts
type fakeTransport struct {
	mu         sync.Mutex
	handler    messaging.RequestHandler
	connectErr error
	connected  bool
	closed     bool
	broadcasts []contracts.ChangeEvent
}

func (f *fakeTransport) OnRequest(handler messaging.RequestHandler) { f.handler = handler }

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, model string, event contracts.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event)
	return nil
}

func (f *fakeTransport) request(t *testing.T, body string) string {
	t.Helper()
	p, err := contracts.DecodePayload([]byte(body))
	require.NoError(t, err)

	var resp contracts.Response
	f.handler(context.Background(), p, func(r contracts.Response) { resp = r })
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(out)
}

func newWidgetRegistry(t *testing.T) *messaging.Registry {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "widgets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := messaging.NewRegistry()
	require.NoError(t, registry.Register(db.Collection("Widget").Definition()))
	return registry
}

func TestServer(t *testing.T) {
	ctx := context.Background()

	t.Run("serves requests and broadcasts changes", func(t *testing.T) {
		transport := &fakeTransport{}
		server := NewServer(config.Settings{}, newWidgetRegistry(t), WithTransport(transport))
		require.NoError(t, server.Start(ctx))
		assert.True(t, server.IsConnected())

		assert.JSONEq(t,
			`{"err":null,"data":{"id":"42","name":"w"}}`,
			transport.request(t, `{"model":"Widget","id":"static","method":"create","args":[{"id":"42","name":"w"}]}`))
		assert.JSONEq(t,
			`{"err":null,"data":{"count":1}}`,
			transport.request(t, `{"model":"Widget","id":"42","method":"destroy","args":[]}`))

		require.Len(t, transport.broadcasts, 2)
		assert.Equal(t, contracts.ChangeCreate, transport.broadcasts[0].Type)
		assert.Equal(t, contracts.ChangeRemove, transport.broadcasts[1].Type)

		stats := server.Metrics().GetStats()
		assert.Equal(t, int64(2), stats.RequestsProcessed)
		assert.Equal(t, int64(0), stats.RequestsFailed)

		require.NoError(t, server.Close(ctx))
		assert.True(t, transport.closed)
	})

	t.Run("no broadcasts after Close", func(t *testing.T) {
		transport := &fakeTransport{}
		registry := newWidgetRegistry(t)
		server := NewServer(config.Settings{}, registry, WithTransport(transport))
		require.NoError(t, server.Start(ctx))
		require.NoError(t, server.Close(ctx))

		def, ok := registry.Lookup("Widget")
		require.True(t, ok)
		_, err := def.Store.(*sqlite.Collection).Create(ctx, map[string]any{"id": "1"})
		require.NoError(t, err)
		assert.Empty(t, transport.broadcasts)
	})

	t.Run("unknown model", func(t *testing.T) {
		transport := &fakeTransport{}
		server := NewServer(config.Settings{}, newWidgetRegistry(t), WithTransport(transport))
		require.NoError(t, server.Start(ctx))
		defer server.Close(ctx)

		assert.JSONEq(t,
			`{"err":{"message":"Model Ghost is not defined","statusCode":404,"failCode":"Not Found"},"data":null}`,
			transport.request(t, `{"model":"Ghost","id":"static","method":"count","args":[]}`))
	})

	t.Run("start twice", func(t *testing.T) {
		server := NewServer(config.Settings{}, messaging.NewRegistry(), WithTransport(&fakeTransport{}))
		require.NoError(t, server.Start(ctx))
		defer server.Close(ctx)

		assert.ErrorIs(t, server.Start(ctx), ErrAlreadyStarted)
	})

	t.Run("connect failure", func(t *testing.T) {
		transport := &fakeTransport{connectErr: errors.New("connection refused")}
		server := NewServer(config.Settings{}, messaging.NewRegistry(), WithTransport(transport))

		err := server.Start(ctx)
		assert.ErrorContains(t, err, "connection refused")
		assert.NoError(t, server.Close(ctx))
		assert.False(t, transport.closed)
	})

	t.Run("extra interceptors run after logging", func(t *testing.T) {
		var seen []string
		audit := interceptors.NewInterceptorFunc("audit", func(ctx context.Context, req contracts.Request, next messaging.CallHandler) (any, error) {
			seen = append(seen, req.Model+"."+req.Method)
			return next.Handle(ctx, req)
		})

		transport := &fakeTransport{}
		server := NewServer(config.Settings{}, newWidgetRegistry(t), WithTransport(transport), WithInterceptors(audit))
		require.NoError(t, server.Start(ctx))
		defer server.Close(ctx)

		transport.request(t, `{"model":"Widget","id":"static","method":"count","args":[]}`)
		assert.Equal(t, []string{"Widget.count"}, seen)
		assert.Equal(t, []string{"LoggingInterceptor", "audit"}, server.chain.Names())
	})
}
