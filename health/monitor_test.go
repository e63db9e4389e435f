package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("aprsgate", tt.subs)
			assert.Equal(t, tt.expected, agg.Status)
			assert.Equal(t, tt.expected == StatusHealthy, agg.Healthy)
			assert.Len(t, agg.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("nats", "connected")
	m.UpdateDegraded("provider.stats", "state provider unavailable")

	status, ok := m.Get("provider.stats")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
	assert.Equal(t, "provider.stats", status.Component)

	agg := m.AggregateHealth("aprsgate")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component)

	m.UpdateHealthy("provider.stats", "ok")
	assert.True(t, m.AggregateHealth("aprsgate").IsHealthy())
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() { m.UpdateHealthy("x", "y") })
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.UpdateHealthy(fmt.Sprintf("c%d", i%5), "ok")
			_ = m.AggregateHealth("sys")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, m.Count())
}

func TestSanitizeMessage(t *testing.T) {
	msg := SanitizeMessage("nats: dial nats://10.0.0.5:4222 failed, token=abc123")
	assert.NotContains(t, msg, "10.0.0.5")
	assert.NotContains(t, msg, "abc123")
	assert.Contains(t, msg, "[URL]")
	assert.Equal(t, "", SanitizeMessage(""))
}
