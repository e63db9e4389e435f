package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/aprsgate/errors"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/provider"
)

// Defaults match the daemon's admin UI.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultNamespace    = "/logs"
	DefaultTopic        = "log_entry"

	// EventConnected acknowledges a subscription.
	EventConnected = "connected"
)

// ErrGatewayClosed is returned by OnSubscribe after Close.
var ErrGatewayClosed = stderrors.New("stream gateway closed")

// Protocol violation kinds, used as metric labels.
const (
	ViolationDuplicateSubscribe = "duplicate_subscribe"
	ViolationUnknownUnsubscribe = "unknown_unsubscribe"
)

// Pusher sends one server-to-client event on a connection.
type Pusher interface {
	Push(ctx context.Context, event string, payload any) error
}

// Subscriber is the side of a Gateway that transports drive as clients
// connect and disconnect.
type Subscriber interface {
	OnSubscribe(connID string, pusher Pusher) error
	OnUnsubscribe(connID string)
	Namespace() string
}

var _ Subscriber = (*Gateway)(nil)

// ConnectedAck is the payload of the EventConnected push.
type ConnectedAck struct {
	Data string `json:"data"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPollInterval sets the time between poll ticks.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithNamespace sets the namespace named in the connected acknowledgement.
func WithNamespace(ns string) Option {
	return func(g *Gateway) {
		if ns != "" {
			g.namespace = ns
		}
	}
}

// WithTopic sets the event name log entries are pushed under.
func WithTopic(topic string) Option {
	return func(g *Gateway) {
		if topic != "" {
			g.topic = topic
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records subscription and delivery metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// Gateway owns the connection registry and every poller in it.
type Gateway struct {
	source    provider.LogSource
	registry  *Registry
	interval  time.Duration
	namespace string
	topic     string
	logger    *slog.Logger
	metrics   *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle is held shared by subscribes and exclusively by Close.
	lifecycle sync.RWMutex
	closed    bool
}

// NewGateway creates a gateway fetching entries from source.
func NewGateway(source provider.LogSource, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		source:    source,
		registry:  NewRegistry(),
		interval:  DefaultPollInterval,
		namespace: DefaultNamespace,
		topic:     DefaultTopic,
		logger:    slog.Default().With("component", "stream"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Namespace returns the namespace this gateway serves.
func (g *Gateway) Namespace() string {
	return g.namespace
}

// OnSubscribe starts streaming to connID. A connection that already has a
// poller is a protocol violation: the old poller is stopped, and has reached
// PollerStopped, before the new one starts.
func (g *Gateway) OnSubscribe(connID string, pusher Pusher) error {
	if connID == "" || pusher == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Gateway", "OnSubscribe", "validate connection")
	}

	g.lifecycle.RLock()
	defer g.lifecycle.RUnlock()
	if g.closed {
		return ErrGatewayClosed
	}

	unlock := g.registry.Lock(connID)
	defer unlock()

	if existing, ok := g.registry.Get(connID); ok {
		g.metrics.RecordProtocolViolation(ViolationDuplicateSubscribe)
		g.logger.Warn("subscribe for connection with active poller, replacing",
			"conn_id", connID, "error", errors.ErrProtocolViolation)
		g.teardown(existing)
	}

	conn := &Connection{
		ID:        connID,
		CreatedAt: time.Now(),
		pusher:    pusher,
		poller:    newLogPoller(connID, g.source, pusher, g.topic, g.interval, g.logger, g.metrics),
	}
	conn.setState(ConnOpen)
	g.registry.put(conn)
	g.metrics.RecordSubscribe()

	ack := ConnectedAck{Data: g.namespace + " Connected"}
	if err := pusher.Push(g.ctx, EventConnected, ack); err != nil {
		g.logger.Debug("connected acknowledgement not delivered", "conn_id", connID, "error", err)
	}

	conn.poller.start(g.ctx)
	g.logger.Debug("log stream subscribed", "conn_id", connID, "interval", g.interval)
	return nil
}

// OnUnsubscribe stops streaming to connID and returns once its poller has
// stopped. Unknown IDs are a no-op.
func (g *Gateway) OnUnsubscribe(connID string) {
	unlock := g.registry.Lock(connID)
	defer unlock()

	conn, ok := g.registry.Get(connID)
	g.metrics.RecordUnsubscribe(ok)
	if !ok {
		g.metrics.RecordProtocolViolation(ViolationUnknownUnsubscribe)
		g.logger.Debug("unsubscribe for unknown connection ignored", "conn_id", connID)
		return
	}

	g.teardown(conn)
	g.logger.Debug("log stream unsubscribed", "conn_id", connID)
}

// teardown stops conn's poller, waits for it, and drops the registry entry.
// Callers hold conn.ID's lock.
func (g *Gateway) teardown(conn *Connection) {
	conn.setState(ConnClosing)
	conn.poller.requestStop()
	<-conn.poller.Done()
	g.registry.remove(conn)
	conn.setState(ConnClosed)
}

// Close stops every poller and rejects further subscriptions.
func (g *Gateway) Close() {
	g.lifecycle.Lock()
	if g.closed {
		g.lifecycle.Unlock()
		return
	}
	g.closed = true
	g.lifecycle.Unlock()

	g.cancel()

	for _, id := range g.registry.IDs() {
		g.OnUnsubscribe(id)
	}
	g.logger.Info("stream gateway closed")
}

// Active returns the number of registered connections.
func (g *Gateway) Active() int {
	return g.registry.Len()
}

// Lookup returns the connection registered under id.
func (g *Gateway) Lookup(id string) (*Connection, bool) {
	return g.registry.Get(id)
}
