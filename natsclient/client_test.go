package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/aprsgate/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, time.Second, c.Backoff())
	assert.Nil(t, c.GetConnection())
}

func TestNewClient_Options(t *testing.T) {
	called := false
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(time.Second),
		WithName("aprsgate"),
		WithToken("secret"),
		WithHealthInterval(0),
		WithCircuitBreakerThreshold(2),
		WithMaxBackoff(10*time.Second),
		WithLogger(slog.Default()),
		WithHealthChangeCallback(func(bool) { called = true }),
	)
	require.NoError(t, err)

	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, "aprsgate", c.clientName)
	assert.Equal(t, "secret", c.token)
	assert.Equal(t, int32(2), c.circuitThreshold)
	assert.Equal(t, time.Duration(0), c.healthInterval)
	require.NotNil(t, c.onHealthChange)
	c.onHealthChange(true)
	assert.True(t, called)
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"negative reconnect wait", WithReconnectWait(-time.Second)},
		{"zero timeout", WithTimeout(0)},
		{"zero threshold", WithCircuitBreakerThreshold(0)},
		{"zero max backoff", WithMaxBackoff(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Request(ctx, "aprsd.rpc.get_stats_dict", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, c.Publish(ctx, "subject", nil), ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Reply(ctx, "subject", time.Second, func(context.Context, []byte) []byte { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithCircuitBreakerThreshold(2),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(1), c.Failures())

	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())

	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
}

func TestClient_CircuitBreakerRecovers(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithCircuitBreakerThreshold(1),
		WithHealthInterval(0),
	)
	require.NoError(t, err)
	c.backoff.Store(int64(50 * time.Millisecond))

	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	assert.Eventually(t, func() bool {
		return c.Status() == StatusDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestClient_ConnectCancelled(t *testing.T) {
	c, err := NewClient("nats://10.255.255.1:4222",
		WithTimeout(5*time.Second),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.NotEqual(t, StatusConnected, c.Status())
}

func TestClient_CloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, c.Close(context.Background()))
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_WaitForConnectionTimeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitForConnection(ctx))
}

func TestClient_StatusMetric(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()

	c, err := NewClient("nats://localhost:4222", WithMetrics(m))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	assert.True(t, c.IsHealthy())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.NATSConnected))

	c.setStatus(StatusReconnecting)
	assert.False(t, c.IsHealthy())
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.NATSConnected))
}
