package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/aprsgate/provider"
)

// MockProvider is a provider.StateProvider whose facts are set by the test.
// Every fact starts unavailable; a nil Func keeps it that way.
type MockProvider struct {
	mu sync.Mutex

	TrackedCountFunc  func(ctx context.Context) (int, error)
	StatsFunc         func(ctx context.Context) (provider.Stats, error)
	WatchListFunc     func(ctx context.Context) (provider.WatchList, error)
	SeenListFunc      func(ctx context.Context) (provider.SeenList, error)
	PacketTotalsFunc  func(ctx context.Context) (provider.PacketTotals, error)
	RecentPacketsFunc func(ctx context.Context) ([]json.RawMessage, error)

	logs     []provider.LogEntry
	logsDown bool
	calls    map[string]int
	cursors  []provider.Cursor
}

var _ provider.StateProvider = (*MockProvider)(nil)

// NewMockProvider creates a provider with every fact unavailable.
func NewMockProvider() *MockProvider {
	return &MockProvider{calls: make(map[string]int)}
}

// NewHealthyMockProvider creates a provider with every fact available and
// populated with small fixed values.
func NewHealthyMockProvider() *MockProvider {
	m := NewMockProvider()
	m.TrackedCountFunc = func(context.Context) (int, error) { return 3, nil }
	m.StatsFunc = func(context.Context) (provider.Stats, error) {
		stats := provider.EmptyStats()
		stats.APRSD.Version = "3.4.0"
		stats.APRSD.Callsign = "N0CALL"
		stats.APRSIS.Server = "rotate.aprs2.net"
		stats.Messages = provider.Counts{Sent: 4, Received: 9}
		return stats, nil
	}
	m.WatchListFunc = func(context.Context) (provider.WatchList, error) {
		return provider.WatchList{"N0CALL": 120, "N1CALL": 45}, nil
	}
	m.SeenListFunc = func(context.Context) (provider.SeenList, error) {
		return provider.SeenList{"K1ABC": 30}, nil
	}
	m.PacketTotalsFunc = func(context.Context) (provider.PacketTotals, error) {
		return provider.PacketTotals{Sent: 10, Received: 7}, nil
	}
	m.RecentPacketsFunc = func(context.Context) ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"from":"N0CALL","to":"APRS"}`)}, nil
	}
	return m
}

func (m *MockProvider) record(fact string) {
	m.mu.Lock()
	m.calls[fact]++
	m.mu.Unlock()
}

// Calls returns how many times fact was requested.
func (m *MockProvider) Calls(fact string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[fact]
}

// TrackedCount implements provider.StateProvider.
func (m *MockProvider) TrackedCount(ctx context.Context) (int, error) {
	m.record(provider.FactTrackedCount)
	if m.TrackedCountFunc == nil {
		return 0, provider.Unavailable(provider.FactTrackedCount, nil)
	}
	return m.TrackedCountFunc(ctx)
}

// Stats implements provider.StateProvider.
func (m *MockProvider) Stats(ctx context.Context) (provider.Stats, error) {
	m.record(provider.FactStats)
	if m.StatsFunc == nil {
		return provider.Stats{}, provider.Unavailable(provider.FactStats, nil)
	}
	return m.StatsFunc(ctx)
}

// WatchList implements provider.StateProvider.
func (m *MockProvider) WatchList(ctx context.Context) (provider.WatchList, error) {
	m.record(provider.FactWatchList)
	if m.WatchListFunc == nil {
		return nil, provider.Unavailable(provider.FactWatchList, nil)
	}
	return m.WatchListFunc(ctx)
}

// SeenList implements provider.StateProvider.
func (m *MockProvider) SeenList(ctx context.Context) (provider.SeenList, error) {
	m.record(provider.FactSeenList)
	if m.SeenListFunc == nil {
		return nil, provider.Unavailable(provider.FactSeenList, nil)
	}
	return m.SeenListFunc(ctx)
}

// PacketTotals implements provider.StateProvider.
func (m *MockProvider) PacketTotals(ctx context.Context) (provider.PacketTotals, error) {
	m.record(provider.FactPacketTotals)
	if m.PacketTotalsFunc == nil {
		return provider.PacketTotals{}, provider.Unavailable(provider.FactPacketTotals, nil)
	}
	return m.PacketTotalsFunc(ctx)
}

// RecentPackets implements provider.StateProvider.
func (m *MockProvider) RecentPackets(ctx context.Context) ([]json.RawMessage, error) {
	m.record(provider.FactRecentPackets)
	if m.RecentPacketsFunc == nil {
		return nil, provider.Unavailable(provider.FactRecentPackets, nil)
	}
	return m.RecentPacketsFunc(ctx)
}

// AppendLogs appends entries to the daemon log.
func (m *MockProvider) AppendLogs(entries ...provider.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entries...)
}

// SetLogsDown makes log fetches fail until called again with false.
func (m *MockProvider) SetLogsDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logsDown = down
}

// Cursors returns every cursor passed to NewLogEntries, in call order.
func (m *MockProvider) Cursors() []provider.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Cursor(nil), m.cursors...)
}

// NewLogEntries implements provider.LogSource. The cursor is an index into
// the appended log, so every caller sees every entry exactly once.
func (m *MockProvider) NewLogEntries(_ context.Context, since provider.Cursor) ([]provider.LogEntry, provider.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[provider.FactLogEntries]++
	m.cursors = append(m.cursors, since)

	if m.logsDown {
		return nil, since, provider.Unavailable(provider.FactLogEntries, nil)
	}
	if int(since) >= len(m.logs) {
		return nil, since, nil
	}

	batch := append([]provider.LogEntry(nil), m.logs[since:]...)
	return batch, provider.Cursor(len(m.logs)), nil
}

// Entry builds a log entry from a message.
func Entry(message string) provider.LogEntry {
	b, _ := json.Marshal(map[string]string{"message": message})
	return b
}
