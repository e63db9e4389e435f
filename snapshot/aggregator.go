package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/aprsgate/config"
	"github.com/c360/aprsgate/health"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/provider"
)

// Features selects which optional daemon lists are reported.
type Features struct {
	WatchList bool
	SeenList  bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records provider call results and snapshot counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithHealth reports each fact's availability as "provider.<fact>".
func WithHealth(m *health.Monitor) Option {
	return func(a *Aggregator) {
		a.health = m
	}
}

// WithFeatures sets the enabled optional lists.
func WithFeatures(f Features) Option {
	return func(a *Aggregator) {
		a.features = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithTransport describes the daemon's radio transport in overviews.
func WithTransport(t config.TransportConfig) Option {
	return func(a *Aggregator) {
		a.transport = t
	}
}

// WithCallsign sets the callsign reported when the daemon does not report one.
func WithCallsign(callsign string) Option {
	return func(a *Aggregator) {
		a.callsign = callsign
	}
}

// WithWatchListAlert sets the age reported as the watch-list alert threshold.
func WithWatchListAlert(d time.Duration) Option {
	return func(a *Aggregator) {
		a.watchAlert = d
	}
}

// Aggregator builds snapshots from a StateProvider.
type Aggregator struct {
	provider   provider.StateProvider
	features   Features
	transport  config.TransportConfig
	callsign   string
	watchAlert time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics
	health   *health.Monitor
	now      func() time.Time
}

// NewAggregator creates an Aggregator. Both optional lists are enabled unless
// WithFeatures says otherwise.
func NewAggregator(p provider.StateProvider, opts ...Option) *Aggregator {
	a := &Aggregator{
		provider: p,
		features: Features{WatchList: true, SeenList: true},
		logger:   slog.Default().With("component", "snapshot"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build fetches every fact concurrently and merges them. It never fails: an
// unavailable fact leaves its zero default in place.
func (a *Aggregator) Build(ctx context.Context) Snapshot {
	var (
		tracked int
		stats   = provider.EmptyStats()
		watch   provider.WatchList
		totals  provider.PacketTotals
	)

	var g errgroup.Group

	g.Go(func() error {
		n, err := a.provider.TrackedCount(ctx)
		if a.observe(provider.FactTrackedCount, err) && n > 0 {
			tracked = n
		}
		return nil
	})

	g.Go(func() error {
		s, err := a.provider.Stats(ctx)
		if a.observe(provider.FactStats, err) {
			stats = s
		}
		return nil
	})

	if a.features.WatchList {
		g.Go(func() error {
			wl, err := a.provider.WatchList(ctx)
			if a.observe(provider.FactWatchList, err) {
				watch = wl
			}
			return nil
		})
	}

	g.Go(func() error {
		t, err := a.provider.PacketTotals(ctx)
		if a.observe(provider.FactPacketTotals, err) {
			totals = t
		}
		return nil
	})

	_ = g.Wait()

	snap := empty(a.now())
	snap.SizeTracker = tracked
	snap.Stats.Stats = stats
	snap.Stats.APRSD.WatchList = make(map[string]int64, len(watch))
	for call, age := range watch {
		snap.Stats.APRSD.WatchList[call] = age
	}
	snap.Stats.Packets = provider.Counts{Sent: totals.Sent, Received: totals.Received}

	a.metrics.RecordSnapshot()
	return snap
}

// observe records the outcome of one provider call and reports whether the
// value may be used.
func (a *Aggregator) observe(fact string, err error) bool {
	a.metrics.RecordProviderCall(fact, err == nil)

	component := "provider." + fact
	if err != nil {
		a.logger.Debug("fact unavailable, using default", "fact", fact, "error", err)
		a.health.UpdateDegraded(component, err.Error())
		return false
	}
	a.health.UpdateHealthy(component, "available")
	return true
}

// seenList fetches the seen-list when the feature is enabled.
func (a *Aggregator) seenList(ctx context.Context) provider.SeenList {
	if !a.features.SeenList {
		return nil
	}
	sl, err := a.provider.SeenList(ctx)
	if !a.observe(provider.FactSeenList, err) {
		return nil
	}
	return sl
}

// RecentPackets returns the daemon's recent packets, or an empty list when
// they cannot be fetched.
func (a *Aggregator) RecentPackets(ctx context.Context) []json.RawMessage {
	packets, err := a.provider.RecentPackets(ctx)
	if !a.observe(provider.FactRecentPackets, err) || packets == nil {
		return []json.RawMessage{}
	}
	return packets
}
