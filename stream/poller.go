package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/aprsgate/errors"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/provider"
)

// PollerState is a LogPoller lifecycle state.
type PollerState int

// Poller states. Transitions only move forward.
const (
	PollerCreated PollerState = iota
	PollerRunning
	PollerStopping
	PollerStopped
)

func (s PollerState) String() string {
	switch s {
	case PollerCreated:
		return "created"
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	case PollerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LogPoller repeatedly fetches new log entries for one connection and pushes
// them to that connection.
type LogPoller struct {
	connID   string
	source   provider.LogSource
	pusher   Pusher
	topic    string
	interval time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics
	failLog  rate.Sometimes

	mu     sync.Mutex
	state  PollerState
	stop   chan struct{}
	done   chan struct{}
	cursor provider.Cursor
}

func newLogPoller(connID string, source provider.LogSource, pusher Pusher, topic string,
	interval time.Duration, logger *slog.Logger, metrics *metric.Metrics) *LogPoller {
	return &LogPoller{
		connID:   connID,
		source:   source,
		pusher:   pusher,
		topic:    topic,
		interval: interval,
		logger:   logger.With("conn_id", connID),
		metrics:  metrics,
		failLog:  rate.Sometimes{First: 1, Interval: time.Minute},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ConnID returns the owning connection ID.
func (p *LogPoller) ConnID() string {
	return p.connID
}

// State returns the current lifecycle state.
func (p *LogPoller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the poller has reached PollerStopped.
func (p *LogPoller) Done() <-chan struct{} {
	return p.done
}

// start moves a created poller to running and launches its loop. It reports
// false if the poller was already started or stopped.
func (p *LogPoller) start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PollerCreated {
		return false
	}
	p.state = PollerRunning
	p.metrics.RecordPollerStarted()

	go p.run(ctx)
	return true
}

// requestStop asks the poller to stop. A running poller finishes its current
// tick first; a poller that never started goes straight to PollerStopped.
// Repeated calls are no-ops.
func (p *LogPoller) requestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case PollerCreated:
		p.state = PollerStopped
		close(p.done)
	case PollerRunning:
		p.state = PollerStopping
		close(p.stop)
	}
}

func (p *LogPoller) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *LogPoller) run(ctx context.Context) {
	defer p.finish()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		if p.stopping() || ctx.Err() != nil {
			return
		}

		p.tick(ctx)

		timer.Reset(p.interval)
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (p *LogPoller) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = PollerStopped
	p.metrics.RecordPollerStopped()
	close(p.done)
}

// tick fetches and pushes one batch. Fetch failures skip the tick.
func (p *LogPoller) tick(ctx context.Context) {
	entries, next, err := p.source.NewLogEntries(ctx, p.cursor)
	if err != nil {
		err = errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPollFailed, err),
			"LogPoller", "tick", "fetch entries")
		p.metrics.RecordPollFailure()
		p.logger.Debug("log poll failed, skipping tick", "error", err)
		p.failLog.Do(func() {
			p.logger.Warn("log stream paused: daemon unavailable", "error", err)
		})
		return
	}
	p.cursor = next

	for _, entry := range entries {
		err := p.pusher.Push(ctx, p.topic, entry)
		p.metrics.RecordPush(err)
		if err != nil {
			p.logger.Debug("push failed, dropping entry", "error", err)
		}
	}
}
