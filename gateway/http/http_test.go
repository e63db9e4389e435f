package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsgateway "github.com/c360/aprsgate/gateway/websocket"
	"github.com/c360/aprsgate/health"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/snapshot"
	"github.com/c360/aprsgate/stream"
	"github.com/c360/aprsgate/testutil"
)

type fixture struct {
	provider *testutil.MockProvider
	gateway  *stream.Gateway
	monitor  *health.Monitor
	handler  *Handler
	server   *httptest.Server
}

func newFixture(t *testing.T, p *testutil.MockProvider) *fixture {
	t.Helper()
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()
	monitor := health.NewMonitor()

	agg := snapshot.NewAggregator(p, snapshot.WithHealth(monitor), snapshot.WithMetrics(m))
	g := stream.NewGateway(p, stream.WithPollInterval(10*time.Millisecond), stream.WithMetrics(m))
	ws := wsgateway.NewServer(g, wsgateway.WithMetrics(m))

	h := NewHandler(agg, g,
		WithHealth(monitor),
		WithMetricsHandler(registry.Handler()),
		WithWebSocket(ws),
	)
	srv := httptest.NewServer(h)

	t.Cleanup(func() {
		h.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ws.Close(ctx)
		srv.Close()
		g.Close()
	})
	return &fixture{provider: p, gateway: g, monitor: monitor, handler: h, server: srv}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestStats_Healthy(t *testing.T) {
	f := newFixture(t, testutil.NewHealthyMockProvider())

	resp := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	doc := decode(t, resp)
	assert.EqualValues(t, 3, doc["size_tracker"])
	assert.NotEmpty(t, doc["time"])

	stats := doc["stats"].(map[string]any)
	assert.Equal(t, map[string]any{"sent": 10.0, "received": 7.0}, stats["packets"])
	aprsd := stats["aprsd"].(map[string]any)
	assert.Equal(t, map[string]any{"N0CALL": 120.0, "N1CALL": 45.0}, aprsd["watch_list"])
}

func TestStats_ProviderDownStillComplete(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	resp := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc := decode(t, resp)
	assert.EqualValues(t, 0, doc["size_tracker"])
	stats := doc["stats"].(map[string]any)
	assert.Equal(t, map[string]any{"sent": 0.0, "received": 0.0}, stats["packets"])
	aprsd := stats["aprsd"].(map[string]any)
	assert.Equal(t, map[string]any{}, aprsd["watch_list"])
}

func TestOverview(t *testing.T) {
	f := newFixture(t, testutil.NewHealthyMockProvider())

	resp := f.get(t, "/overview")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc := decode(t, resp)
	assert.EqualValues(t, 2, doc["watch_count"])
	assert.EqualValues(t, 1, doc["seen_count"])
	assert.Equal(t, "N0CALL", doc["callsign"])
	assert.Contains(t, doc, "snapshot")
}

func TestPackets(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		f := newFixture(t, testutil.NewHealthyMockProvider())
		resp := f.get(t, "/packets")
		var packets []map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&packets))
		assert.Len(t, packets, 1)
	})

	t.Run("unavailable is empty array", func(t *testing.T) {
		f := newFixture(t, testutil.NewMockProvider())
		resp := f.get(t, "/packets")
		var body strings.Builder
		_, err := bufio.NewReader(resp.Body).WriteTo(&body)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, body.String())
	})
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.monitor.UpdateDegraded("provider.stats", "unavailable")
	resp = f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StatusDegraded, decode(t, resp)["status"])

	f.monitor.UpdateUnhealthy("nats", "disconnected")
	resp = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testutil.NewHealthyMockProvider())
	f.get(t, "/stats")

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body strings.Builder
	_, err := bufio.NewReader(resp.Body).WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "aprsgate_snapshot_builds_total")
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	resp := f.get(t, "/healthz")
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "abc-123", resp2.Header.Get(RequestIDHeader))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	resp, err := http.Post(f.server.URL+"/stats", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type sseEvent struct {
	event string
	data  string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEvents_StreamsLogEntries(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())
	f.provider.AppendLogs(testutil.Entry("one"), testutil.Entry("two"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/logs/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)

	first := readEvent(t, r)
	assert.Equal(t, stream.EventConnected, first.event)
	assert.JSONEq(t, `{"data": "/logs Connected"}`, first.data)

	second := readEvent(t, r)
	assert.Equal(t, stream.DefaultTopic, second.event)
	assert.JSONEq(t, `{"message": "one"}`, second.data)

	third := readEvent(t, r)
	assert.JSONEq(t, `{"message": "two"}`, third.data)

	assert.Equal(t, 1, f.gateway.Active())
	cancel()
	assert.Eventually(t, func() bool { return f.gateway.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEvents_CloseEndsStreams(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	resp := f.get(t, "/logs/events")
	r := bufio.NewReader(resp.Body)
	assert.Equal(t, stream.EventConnected, readEvent(t, r).event)

	f.handler.Close()
	assert.Eventually(t, func() bool { return f.gateway.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEvents_GatewayClosed(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())
	f.gateway.Close()

	resp := f.get(t, "/logs/events")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t, testutil.NewMockProvider())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env wsgateway.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "/logs", env.Namespace)
	assert.Equal(t, stream.EventConnected, env.Event)
}
