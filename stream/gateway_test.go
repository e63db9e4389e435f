package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/provider"
	"github.com/c360/aprsgate/testutil"
)

const testInterval = 10 * time.Millisecond

func newTestGateway(t *testing.T, source provider.LogSource, opts ...Option) (*Gateway, *metric.Metrics) {
	t.Helper()
	m := metric.NewMetricsRegistry().CoreMetrics()
	opts = append([]Option{WithPollInterval(testInterval), WithMetrics(m)}, opts...)
	g := NewGateway(source, opts...)
	t.Cleanup(g.Close)
	return g, m
}

func TestGateway_SubscribeSendsConnectedAck(t *testing.T) {
	g, _ := newTestGateway(t, testutil.NewMockProvider())
	pusher := testutil.NewRecordingPusher()

	require.NoError(t, g.OnSubscribe("A", pusher))

	pushes := pusher.Events(EventConnected)
	require.Len(t, pushes, 1)
	assert.Equal(t, ConnectedAck{Data: "/logs Connected"}, pushes[0].Payload)

	conn, ok := g.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, ConnOpen, conn.State())
}

func TestGateway_SubscribeThenUnsubscribeLeavesNothing(t *testing.T) {
	g, m := newTestGateway(t, testutil.NewMockProvider(), WithPollInterval(time.Hour))

	require.NoError(t, g.OnSubscribe("A", testutil.NewRecordingPusher()))
	conn, ok := g.Lookup("A")
	require.True(t, ok)

	g.OnUnsubscribe("A")

	assert.Equal(t, 0, g.Active())
	assert.Equal(t, 0, g.registry.lockCount())
	assert.Equal(t, PollerStopped, conn.Poller().State())
	assert.Equal(t, ConnClosed, conn.State())
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.PollersActive))
}

func TestGateway_DuplicateSubscribeReplacesPoller(t *testing.T) {
	g, m := newTestGateway(t, testutil.NewMockProvider())

	first := testutil.NewRecordingPusher()
	second := testutil.NewRecordingPusher()

	require.NoError(t, g.OnSubscribe("A", first))
	old, _ := g.Lookup("A")

	require.NoError(t, g.OnSubscribe("A", second))
	cur, _ := g.Lookup("A")

	assert.Equal(t, 1, g.Active())
	assert.NotSame(t, old.Poller(), cur.Poller())
	assert.Equal(t, PollerStopped, old.Poller().State())
	assert.Equal(t, ConnClosed, old.State())
	assert.Equal(t, PollerRunning, cur.Poller().State())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.PollersActive))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.ProtocolViolations.WithLabelValues(ViolationDuplicateSubscribe)))
}

func TestGateway_UnsubscribeUnknownIsNoop(t *testing.T) {
	g, m := newTestGateway(t, testutil.NewMockProvider())

	assert.NotPanics(t, func() {
		g.OnUnsubscribe("ghost")
		g.OnUnsubscribe("ghost")
	})
	assert.Equal(t, 0, g.Active())
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.Unsubscriptions.WithLabelValues("noop")))
}

func TestGateway_RejectsInvalidSubscribe(t *testing.T) {
	g, _ := newTestGateway(t, testutil.NewMockProvider())
	assert.Error(t, g.OnSubscribe("", testutil.NewRecordingPusher()))
	assert.Error(t, g.OnSubscribe("A", nil))
	assert.Equal(t, 0, g.Active())
}

func TestGateway_EntriesGoOnlyToSubscriber(t *testing.T) {
	source := testutil.NewMockProvider()
	g, _ := newTestGateway(t, source)

	a := testutil.NewRecordingPusher()
	b := testutil.NewRecordingPusher()

	require.NoError(t, g.OnSubscribe("B", b))
	g.OnUnsubscribe("B")
	require.NoError(t, g.OnSubscribe("A", a))

	e1, e2 := testutil.Entry("e1"), testutil.Entry("e2")
	source.AppendLogs(e1, e2)

	require.True(t, a.WaitFor(DefaultTopic, 2, time.Second))
	time.Sleep(3 * testInterval)

	got := a.Events(DefaultTopic)
	require.Len(t, got, 2)
	assert.Equal(t, e1, got[0].Payload)
	assert.Equal(t, e2, got[1].Payload)

	assert.Empty(t, b.Events(DefaultTopic))
	assert.Len(t, b.Pushes(), 1, "only the connected acknowledgement")
}

func TestGateway_StopHaltsPushes(t *testing.T) {
	source := testutil.NewMockProvider()
	interval := 50 * time.Millisecond
	g, _ := newTestGateway(t, source, WithPollInterval(interval))

	pusher := testutil.NewRecordingPusher()
	require.NoError(t, g.OnSubscribe("A", pusher))
	conn, _ := g.Lookup("A")

	source.AppendLogs(testutil.Entry("before"))
	require.True(t, pusher.WaitFor(DefaultTopic, 1, time.Second))

	start := time.Now()
	g.OnUnsubscribe("A")
	assert.Less(t, time.Since(start), interval+100*time.Millisecond)

	select {
	case <-conn.Poller().Done():
	default:
		t.Fatal("poller not stopped when unsubscribe returned")
	}

	source.AppendLogs(testutil.Entry("after"))
	time.Sleep(3 * interval)
	assert.Len(t, pusher.Events(DefaultTopic), 1)
}

func TestGateway_FetchFailuresAreSwallowed(t *testing.T) {
	source := testutil.NewMockProvider()
	g, m := newTestGateway(t, source)

	pusher := testutil.NewRecordingPusher()
	source.SetLogsDown(true)
	require.NoError(t, g.OnSubscribe("A", pusher))

	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(m.PollFailures) >= 2
	}, time.Second, testInterval)

	source.AppendLogs(testutil.Entry("recovered"))
	source.SetLogsDown(false)

	require.True(t, pusher.WaitFor(DefaultTopic, 1, time.Second))
	conn, ok := g.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, PollerRunning, conn.Poller().State())
}

func TestGateway_PushFailuresAreDropped(t *testing.T) {
	source := testutil.NewMockProvider()
	g, m := newTestGateway(t, source)

	pusher := testutil.NewRecordingPusher()
	require.NoError(t, g.OnSubscribe("A", pusher))

	pusher.FailWith(errors.New("client gone"))
	source.AppendLogs(testutil.Entry("lost"))
	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(m.PushErrors) == 1
	}, time.Second, testInterval)

	pusher.FailWith(nil)
	source.AppendLogs(testutil.Entry("kept"))
	require.True(t, pusher.WaitFor(DefaultTopic, 1, time.Second))

	time.Sleep(3 * testInterval)
	got := pusher.Events(DefaultTopic)
	require.Len(t, got, 1, "failed push is not retried")
	assert.Equal(t, testutil.Entry("kept"), got[0].Payload)
}

func TestGateway_CustomNamespaceAndTopic(t *testing.T) {
	source := testutil.NewMockProvider()
	g, _ := newTestGateway(t, source, WithNamespace("/debug"), WithTopic("line"))

	pusher := testutil.NewRecordingPusher()
	require.NoError(t, g.OnSubscribe("A", pusher))
	source.AppendLogs(testutil.Entry("x"))

	require.True(t, pusher.WaitFor("line", 1, time.Second))
	assert.Equal(t, ConnectedAck{Data: "/debug Connected"}, pusher.Events(EventConnected)[0].Payload)
	assert.Equal(t, "/debug", g.Namespace())
}

func TestGateway_Close(t *testing.T) {
	g, m := newTestGateway(t, testutil.NewMockProvider())

	var conns []*Connection
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, g.OnSubscribe(id, testutil.NewRecordingPusher()))
		c, _ := g.Lookup(id)
		conns = append(conns, c)
	}

	g.Close()
	g.Close()

	assert.Equal(t, 0, g.Active())
	for _, c := range conns {
		assert.Equal(t, PollerStopped, c.Poller().State())
	}
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.PollersActive))
	assert.ErrorIs(t, g.OnSubscribe("late", testutil.NewRecordingPusher()), ErrGatewayClosed)
}

func TestGateway_ConcurrentLifecycleSameID(t *testing.T) {
	g, m := newTestGateway(t, testutil.NewMockProvider())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = g.OnSubscribe("A", testutil.NewRecordingPusher())
		}()
		go func() {
			defer wg.Done()
			g.OnUnsubscribe("A")
		}()
	}
	wg.Wait()

	active := g.Active()
	assert.LessOrEqual(t, active, 1)
	assert.Equal(t, float64(active), promtestutil.ToFloat64(m.PollersActive))

	g.OnUnsubscribe("A")
	assert.Equal(t, 0, g.Active())
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.PollersActive))
	assert.Equal(t, 0, g.registry.lockCount())
}

func TestGateway_ConcurrentDistinctIDs(t *testing.T) {
	source := testutil.NewMockProvider()
	g, _ := newTestGateway(t, source)

	pushers := make([]*testutil.RecordingPusher, 20)
	var wg sync.WaitGroup
	for i := range pushers {
		pushers[i] = testutil.NewRecordingPusher()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, g.OnSubscribe(fmt.Sprintf("c%d", i), pushers[i]))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, g.Active())

	source.AppendLogs(testutil.Entry("broadcast"))
	for _, p := range pushers {
		assert.True(t, p.WaitFor(DefaultTopic, 1, time.Second))
	}
}

func TestGateway_PollerUsesItsOwnCursor(t *testing.T) {
	source := testutil.NewMockProvider()
	g, _ := newTestGateway(t, source)

	pusher := testutil.NewRecordingPusher()
	require.NoError(t, g.OnSubscribe("A", pusher))

	source.AppendLogs(testutil.Entry("1"), testutil.Entry("2"))
	require.True(t, pusher.WaitFor(DefaultTopic, 2, time.Second))
	source.AppendLogs(testutil.Entry("3"))
	require.True(t, pusher.WaitFor(DefaultTopic, 3, time.Second))

	assert.Contains(t, source.Cursors(), provider.Cursor(2))
	assert.Len(t, pusher.Events(DefaultTopic), 3)
}

func TestGateway_CloseCancelsContext(t *testing.T) {
	g := NewGateway(testutil.NewMockProvider())
	g.Close()
	assert.ErrorIs(t, g.ctx.Err(), context.Canceled)
}
