// Package natsclient manages the NATS connection used to reach the APRS
// daemon, with a circuit breaker around connection attempts.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/aprsgate/errors"
	"github.com/c360/aprsgate/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Int64 // time.Duration
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	token         string
	clientName    string

	metrics *metric.Metrics

	onHealthChange func(bool)

	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url, which may list several servers
// separated by commas.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return m.status.Load().(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	m.metrics.RecordNATSStatus(status == StatusConnected)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the number of failed connection attempts since the last success.
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff.
func (m *Client) Backoff() time.Duration {
	return time.Duration(m.backoff.Load())
}

// recordFailure counts a failed attempt and opens the circuit once the
// threshold is reached. An open circuit closes again after the backoff, which
// doubles on every opening up to maxBackoff.
func (m *Client) recordFailure() {
	m.failures.Add(1)
	if m.circuitFailures.Add(1) < m.circuitThreshold {
		return
	}

	current := m.Status()
	if current == StatusCircuitOpen || !m.status.CompareAndSwap(current, StatusCircuitOpen) {
		return
	}

	wait := m.Backoff()
	m.backoff.Store(int64(min(wait*2, m.maxBackoff)))
	m.circuitFailures.Store(0)

	m.logger.Warn("circuit breaker opened", "failures", m.failures.Load(), "backoff", wait)
	time.AfterFunc(wait, func() {
		m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
	})
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(int64(time.Second))
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect establishes the connection or returns ErrCircuitOpen while the
// circuit breaker is open.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("connecting to NATS", "url", m.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.buildConnectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.failConnect()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		m.mu.Lock()
		m.conn = res.conn
		m.mu.Unlock()
	case <-ctx.Done():
		m.failConnect()
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("connected to NATS", "url", m.url)

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	m.notifyHealth(true)
	return nil
}

func (m *Client) failConnect() {
	m.recordFailure()
	if m.Status() != StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close drains and closes the connection. Only the first call has an effect.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.stopHealthMonitoring()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- m.conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		m.conn.Close()
		m.conn = nil
	}

	m.token = ""
	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

func (m *Client) connection() (*nats.Conn, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// GetConnection returns the underlying connection, or nil when not connected.
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn, err := m.connection()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Request sends data on subject and waits for one reply, bounded by ctx.
func (m *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn, err := m.connection()
	if err != nil {
		return nil, err
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Reply answers each request on subject with the handler's result. The
// handler runs with a context bounded by timeout.
func (m *Client) Reply(ctx context.Context, subject string, timeout time.Duration,
	handler func(context.Context, []byte) []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := msg.Respond(handler(msgCtx, msg.Data)); err != nil {
			m.logger.Debug("reply failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Reply", "subscribe")
	}

	m.subs = append(m.subs, sub)
	return nil
}

// OnHealthChange sets a callback for health status changes
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()

	if fn != nil {
		go fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	m.logger.Warn("disconnected from NATS", "error", err)
	m.notifyHealth(false)
}

func (m *Client) handleReconnect(conn *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("reconnected to NATS", "url", conn.ConnectedUrlRedacted())
	m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring checks the connection with a round trip every
// healthInterval and reports changes through the health callback.
func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	m.mu.Lock()
	done := make(chan struct{})
	m.healthDone = done
	interval := m.healthInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastHealthy := m.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			_, err := m.RTT()
			healthy := err == nil

			switch {
			case healthy && m.Status() != StatusConnected:
				m.setStatus(StatusConnected)
			case !healthy && m.Status() == StatusConnected:
				m.setStatus(StatusReconnecting)
			}

			if healthy != lastHealthy {
				m.notifyHealth(healthy)
			}
			lastHealthy = healthy
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
