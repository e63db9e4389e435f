package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/aprsgate/errors"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/pkg/buffer"
	"github.com/c360/aprsgate/stream"
)

// TransportName labels websocket clients in metrics.
const TransportName = "websocket"

const (
	defaultSendBuffer = 256
	writeTimeout      = 10 * time.Second
	readTimeout       = 60 * time.Second
	pingInterval      = 30 * time.Second
	writeBatch        = 64
)

// Envelope is the frame sent for every event.
type Envelope struct {
	Namespace string `json:"namespace"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
}

// Option configures a Server.
type Option func(*Server)

// WithSendBuffer sets the per-client queue capacity.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// WithAllowedOrigins restricts the Origin header. An empty list, or one
// containing "*", allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records connected client counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is an http.Handler that upgrades requests and attaches each socket
// to a stream.Subscriber.
type Server struct {
	subscriber     stream.Subscriber
	upgrader       websocket.Upgrader
	sendBuffer     int
	allowedOrigins []string
	logger         *slog.Logger
	metrics        *metric.Metrics

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates a websocket server for subscriber.
func NewServer(subscriber stream.Subscriber, opts ...Option) *Server {
	s := &Server{
		subscriber: subscriber,
		sendBuffer: defaultSendBuffer,
		logger:     slog.Default().With("component", "websocket"),
		clients:    make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 || slices.Contains(s.allowedOrigins, "*") {
		return true
	}
	if slices.ContainsFunc(s.allowedOrigins, func(o string) bool { return strings.EqualFold(o, origin) }) {
		return true
	}
	// Same host is always allowed
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), s.subscriber.Namespace(), conn, s.sendBuffer, s.logger)
	s.register(c)
	defer s.unregister(c)

	go c.writeLoop()

	if err := s.subscriber.OnSubscribe(c.id, c); err != nil {
		s.logger.Warn("log stream subscribe rejected", "conn_id", c.id, "error", err)
		c.close()
		return
	}
	s.logger.Debug("websocket client connected", "conn_id", c.id, "remote", r.RemoteAddr)

	c.readLoop()

	s.subscriber.OnUnsubscribe(c.id)
	c.close()
	s.logger.Debug("websocket client disconnected", "conn_id", c.id, "dropped", c.queue.Stats().Dropped)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.RecordClientConnected(TransportName, 1)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.metrics.RecordClientConnected(TransportName, -1)
}

// Clients returns the number of open sockets.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their handlers to return or
// ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Close", "wait for clients")
	}
}

// client is one socket. It implements stream.Pusher by queueing frames for
// writeLoop.
type client struct {
	id        string
	namespace string
	conn      *websocket.Conn
	queue     buffer.Buffer[[]byte]
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(id, namespace string, conn *websocket.Conn, capacity int, logger *slog.Logger) *client {
	c := &client{
		id:        id,
		namespace: namespace,
		conn:      conn,
		logger:    logger,
		done:      make(chan struct{}),
	}
	c.queue = buffer.NewCircularBuffer[[]byte](capacity,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			logger.Debug("slow websocket client, dropped oldest frame", "conn_id", id)
		}),
	)
	return c
}

// Push queues one event.
func (c *client) Push(_ context.Context, event string, payload any) error {
	if c.closed.Load() {
		return errors.WrapTransient(errors.ErrNoConnection, "client", "Push", "queue frame")
	}
	data, err := json.Marshal(Envelope{Namespace: c.namespace, Event: event, Data: payload})
	if err != nil {
		return errors.WrapInvalid(err, "client", "Push", "encode envelope")
	}
	return c.queue.Write(data)
}

func (c *client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		case <-c.queue.Ready():
			if err := c.flush(); err != nil {
				c.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// flush writes everything queued.
func (c *client) flush() error {
	for {
		batch := c.queue.ReadBatch(writeBatch)
		if len(batch) == 0 {
			return nil
		}
		for _, frame := range batch {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

// close stops the writer, which sends a close frame and closes the socket.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.queue.Close()
		close(c.done)
	})
}
