// Package service wires the gateway's components into one long-running
// admin service with a managed lifecycle.
package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/aprsgate/config"
	"github.com/c360/aprsgate/errors"
	gwhttp "github.com/c360/aprsgate/gateway/http"
	"github.com/c360/aprsgate/gateway/websocket"
	"github.com/c360/aprsgate/health"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/natsclient"
	"github.com/c360/aprsgate/pkg/retry"
	"github.com/c360/aprsgate/provider"
	"github.com/c360/aprsgate/snapshot"
	"github.com/c360/aprsgate/stream"
)

// Status represents the current status of the service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// natsHealthName is the health monitor entry for the NATS connection.
const natsHealthName = "nats"

// Option is a functional option for configuring Admin
type Option func(*Admin)

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry for the service
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *Admin) {
		a.registry = registry
	}
}

// WithProvider uses p instead of connecting to NATS.
func WithProvider(p provider.StateProvider) Option {
	return func(a *Admin) {
		a.provider = p
	}
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *Admin) {
		a.listener = l
	}
}

// WithHealthInterval sets how often the NATS connection is checked. Zero
// disables the check.
func WithHealthInterval(interval time.Duration) Option {
	return func(a *Admin) {
		a.healthInterval = interval
	}
}

// WithStartupRetry sets the backoff used while connecting to NATS.
func WithStartupRetry(cfg retry.Config) Option {
	return func(a *Admin) {
		a.startupRetry = cfg
	}
}

// Admin is the gateway service: the snapshot endpoints, the log stream and
// the connection to the daemon behind them.
type Admin struct {
	cfg            *config.Config
	logger         *slog.Logger
	registry       *metric.MetricsRegistry
	monitor        *health.Monitor
	healthInterval time.Duration
	startupRetry   retry.Config

	provider   provider.StateProvider
	nats       *natsclient.Client
	aggregator *snapshot.Aggregator
	gateway    *stream.Gateway
	websocket  *websocket.Server
	handler    *gwhttp.Handler
	server     *http.Server
	listener   net.Listener

	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	done      chan struct{}
	stopped   bool
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// NewAdmin creates the service for cfg.
func NewAdmin(cfg *config.Config, opts ...Option) (*Admin, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Admin", "NewAdmin", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Admin", "NewAdmin", "validate config")
	}

	a := &Admin{
		cfg:            cfg,
		logger:         slog.Default().With("service", "admin"),
		monitor:        health.NewMonitor(),
		healthInterval: 10 * time.Second,
		startupRetry:   retry.Startup(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = metric.NewMetricsRegistry()
	}

	a.status.Store(StatusStopped)
	a.startTime.Store(time.Time{})
	return a, nil
}

// Status returns the current service status
func (a *Admin) Status() Status {
	return a.status.Load().(Status)
}

// Uptime returns the time since Start completed, or zero when not running.
func (a *Admin) Uptime() time.Duration {
	started := a.startTime.Load().(time.Time)
	if started.IsZero() || a.Status() != StatusRunning {
		return 0
	}
	return time.Since(started)
}

// Health returns the aggregated health of the service's dependencies.
func (a *Admin) Health() health.Status {
	return a.monitor.AggregateHealth("aprsgate")
}

// Addr returns the address the HTTP server listens on, or "" before Start.
func (a *Admin) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start connects to the daemon, builds the components and starts serving.
// Starting a running service is a no-op; a stopped service cannot be
// restarted.
func (a *Admin) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.Status(); s == StatusRunning || s == StatusStarting {
		return nil
	}
	if a.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Admin", "Start", "check status")
	}
	a.status.Store(StatusStarting)

	if err := a.start(ctx); err != nil {
		a.cleanup()
		a.status.Store(StatusStopped)
		return err
	}

	a.startTime.Store(time.Now())
	a.status.Store(StatusRunning)
	a.logger.Info("admin service started", "addr", a.listener.Addr().String(),
		"poll_interval", a.cfg.Stream.PollInterval.String(), "namespace", a.cfg.Stream.Namespace)
	return nil
}

func (a *Admin) start(ctx context.Context) error {
	metrics := a.registry.CoreMetrics()

	if a.provider == nil {
		if err := a.connectNATS(ctx); err != nil {
			return err
		}
		a.provider = provider.NewRPC(a.nats,
			provider.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix),
			provider.WithTimeout(a.cfg.NATS.RequestTimeout.Std()),
			provider.WithLogger(a.logger.With("component", "provider")),
		)
	}

	a.aggregator = snapshot.NewAggregator(a.provider,
		snapshot.WithLogger(a.logger.With("component", "snapshot")),
		snapshot.WithMetrics(metrics),
		snapshot.WithHealth(a.monitor),
		snapshot.WithFeatures(snapshot.Features{
			WatchList: a.cfg.Features.WatchList,
			SeenList:  a.cfg.Features.SeenList,
		}),
		snapshot.WithTransport(a.cfg.Transport),
		snapshot.WithCallsign(a.cfg.Daemon.Callsign),
		snapshot.WithWatchListAlert(a.cfg.Features.WatchListAlert.Std()),
	)

	a.gateway = stream.NewGateway(a.provider,
		stream.WithPollInterval(a.cfg.Stream.PollInterval.Std()),
		stream.WithNamespace(a.cfg.Stream.Namespace),
		stream.WithTopic(a.cfg.Stream.Topic),
		stream.WithLogger(a.logger.With("component", "stream")),
		stream.WithMetrics(metrics),
	)

	a.websocket = websocket.NewServer(a.gateway,
		websocket.WithSendBuffer(a.cfg.Stream.SendBuffer),
		websocket.WithAllowedOrigins(a.cfg.Admin.AllowedOrigins),
		websocket.WithLogger(a.logger.With("component", "websocket")),
		websocket.WithMetrics(metrics),
	)

	a.handler = gwhttp.NewHandler(a.aggregator, a.gateway,
		gwhttp.WithLogger(a.logger.With("component", "http")),
		gwhttp.WithHealth(a.monitor),
		gwhttp.WithMetricsHandler(a.registry.Handler()),
		gwhttp.WithWebSocket(a.websocket),
		gwhttp.WithRequestTimeout(a.cfg.NATS.RequestTimeout.Std()*2),
	)

	if a.listener == nil {
		l, err := net.Listen("tcp", a.cfg.Admin.Addr())
		if err != nil {
			return errors.WrapFatal(err, "Admin", "Start", "listen on "+a.cfg.Admin.Addr())
		}
		a.listener = l
	}

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.done = make(chan struct{})

	server, listener := a.server, a.listener
	a.waitGroup.Add(1)
	go func() {
		defer a.waitGroup.Done()
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
		}
	}()

	if a.nats != nil && a.healthInterval > 0 {
		a.waitGroup.Add(1)
		go a.healthMonitor(a.done)
	}
	return nil
}

// connectNATS connects with the startup backoff. A daemon that is not up yet
// is retried; exhausting the retries fails Start.
func (a *Admin) connectNATS(ctx context.Context) error {
	client, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","),
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithToken(a.cfg.NATS.Token),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(a.logger.With("component", "natsclient")),
		natsclient.WithMetrics(a.registry.CoreMetrics()),
		natsclient.WithHealthChangeCallback(a.onNATSHealth),
	)
	if err != nil {
		return errors.WrapInvalid(err, "Admin", "Start", "create NATS client")
	}

	err = retry.Do(ctx, a.startupRetry, func() error {
		if err := client.Connect(ctx); err != nil {
			a.logger.Warn("NATS not reachable, retrying", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapFatal(err, "Admin", "Start", "connect to NATS")
	}

	a.nats = client
	a.monitor.UpdateHealthy(natsHealthName, "connected")
	return nil
}

func (a *Admin) onNATSHealth(healthy bool) {
	if healthy {
		a.monitor.UpdateHealthy(natsHealthName, "connected")
		return
	}
	a.monitor.UpdateUnhealthy(natsHealthName, "disconnected from NATS")
}

// healthMonitor refreshes the NATS health entry until the service stops.
func (a *Admin) healthMonitor(done <-chan struct{}) {
	defer a.waitGroup.Done()

	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.onNATSHealth(a.nats.IsHealthy())
		}
	}
}

// Stop shuts the service down: open streams first, then the HTTP server,
// then every poller, then the NATS connection. Stopping a stopped service is
// a no-op.
func (a *Admin) Stop(timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.Status(); s == StatusStopped || s == StatusStopping {
		return nil
	}
	a.status.Store(StatusStopping)

	if timeout <= 0 {
		timeout = a.cfg.Admin.ShutdownTimeout.Std()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.shutdown(ctx)

	a.stopped = true
	a.status.Store(StatusStopped)
	a.logger.Info("admin service stopped")
	return err
}

func (a *Admin) shutdown(ctx context.Context) error {
	var errs []error

	if a.done != nil {
		close(a.done)
		a.done = nil
	}

	if a.handler != nil {
		a.handler.Close()
	}
	if a.websocket != nil {
		if err := a.websocket.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Admin", "Stop", "shutdown HTTP server"))
		}
	}
	if a.gateway != nil {
		a.gateway.Close()
	}

	wait := make(chan struct{})
	go func() {
		a.waitGroup.Wait()
		close(wait)
	}()
	select {
	case <-wait:
	case <-ctx.Done():
		errs = append(errs, errors.WrapTransient(ctx.Err(), "Admin", "Stop", "wait for goroutines"))
	}

	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return stderrors.Join(errs...)
}

// cleanup releases whatever a failed start created.
func (a *Admin) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Debug("cleanup after failed start", "error", err)
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.listener, a.server = nil, nil
}

// Run starts the service and blocks until ctx is done, then stops it.
func (a *Admin) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop(0)
}

// Snapshot returns one snapshot document. It is valid only while running.
func (a *Admin) Snapshot(ctx context.Context) (snapshot.Snapshot, error) {
	if a.Status() != StatusRunning {
		return snapshot.Snapshot{}, errors.WrapInvalid(errors.ErrNotStarted, "Admin", "Snapshot", "check status")
	}
	return a.aggregator.Build(ctx), nil
}

// Overview returns the dashboard summary. It is valid only while running.
func (a *Admin) Overview(ctx context.Context) (snapshot.Overview, error) {
	if a.Status() != StatusRunning {
		return snapshot.Overview{}, errors.WrapInvalid(errors.ErrNotStarted, "Admin", "Overview", "check status")
	}
	return a.aggregator.Overview(ctx), nil
}
