// Package http serves the admin read endpoints and the log stream over
// HTTP.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/aprsgate/health"
	"github.com/c360/aprsgate/snapshot"
	"github.com/c360/aprsgate/stream"
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-ID"

// SnapshotSource builds the documents served by the read endpoints.
type SnapshotSource interface {
	Build(ctx context.Context) snapshot.Snapshot
	Overview(ctx context.Context) snapshot.Overview
	RecentPackets(ctx context.Context) []json.RawMessage
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHealth serves m's aggregate on /healthz.
func WithHealth(m *health.Monitor) Option {
	return func(h *Handler) {
		h.health = m
	}
}

// WithMetricsHandler serves handler on /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = handler
	}
}

// WithWebSocket serves handler on the namespace path.
func WithWebSocket(handler http.Handler) Option {
	return func(h *Handler) {
		h.websocket = handler
	}
}

// WithRequestTimeout bounds the read endpoints.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler routes the admin HTTP surface.
type Handler struct {
	snapshots  SnapshotSource
	subscriber stream.Subscriber
	health     *health.Monitor
	metrics    http.Handler
	websocket  http.Handler
	timeout    time.Duration
	logger     *slog.Logger

	mux *http.ServeMux

	// done ends open event streams on Close
	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates the HTTP surface.
func NewHandler(snapshots SnapshotSource, subscriber stream.Subscriber, opts ...Option) *Handler {
	h := &Handler{
		snapshots:  snapshots,
		subscriber: subscriber,
		timeout:    10 * time.Second,
		logger:     slog.Default().With("component", "http"),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	ns := h.subscriber.Namespace()

	h.mux.HandleFunc("GET /stats", h.handleStats)
	h.mux.HandleFunc("GET /overview", h.handleOverview)
	h.mux.HandleFunc("GET /packets", h.handlePackets)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET "+ns+"/events", h.handleEvents)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	if h.websocket != nil {
		h.mux.Handle("GET "+ns, h.websocket)
	}
}

// ServeHTTP tags the request with an ID and dispatches it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set(RequestIDHeader, requestID)
	h.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "request_id", requestID)
	h.mux.ServeHTTP(w, r)
}

// Close ends every open event stream.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// getOrGenerateRequestID returns the caller's X-Request-ID or a new UUID.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get(RequestIDHeader); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	h.writeJSON(w, http.StatusOK, h.snapshots.Build(ctx))
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	h.writeJSON(w, http.StatusOK, h.snapshots.Overview(ctx))
}

func (h *Handler) handlePackets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	h.writeJSON(w, http.StatusOK, h.snapshots.RecentPackets(ctx))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := h.health.AggregateHealth("aprsgate")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
