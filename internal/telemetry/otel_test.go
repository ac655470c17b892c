package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Run("no-op when endpoint empty", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), "rpcbridge-test", "")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("no-op shutdown ignores cancelled context", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), "rpcbridge-test", "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("creates provider when endpoint set", func(t *testing.T) {
		// non-routable address; nothing is exported before shutdown
		shutdown, err := Setup(context.Background(), "rpcbridge-test", "http://192.0.2.1:4318")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("Tracer is usable without setup", func(t *testing.T) {
		_, span := Tracer().Start(context.Background(), "noop")
		span.End()
	})
}
