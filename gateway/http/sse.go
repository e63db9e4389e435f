package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/aprsgate/errors"
)

// sseClient writes events to one event-stream response. Writes are
// synchronous and serialized by mu.
type sseClient struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	eventID uint64
	closed  bool
}

// Push writes one event frame and flushes it.
func (c *sseClient) Push(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "sseClient", "Push", "encode payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapTransient(errors.ErrNoConnection, "sseClient", "Push", "write event")
	}

	c.eventID++
	if _, err := fmt.Fprintf(c.w, "event: %s\nid: %d\ndata: %s\n\n", event, c.eventID, data); err != nil {
		return errors.WrapTransient(err, "sseClient", "Push", "write event")
	}
	c.flusher.Flush()
	return nil
}

func (c *sseClient) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// handleEvents streams the log namespace as server-sent events until the
// client goes away or the handler is closed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{w: w, flusher: flusher}
	connID := uuid.NewString()

	if err := h.subscriber.OnSubscribe(connID, client); err != nil {
		h.logger.Warn("event stream subscribe rejected", "conn_id", connID, "error", err)
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}
	h.logger.Debug("event stream client connected", "conn_id", connID, "remote", r.RemoteAddr)

	select {
	case <-r.Context().Done():
	case <-h.done:
	}

	h.subscriber.OnUnsubscribe(connID)
	client.close()
	h.logger.Debug("event stream client disconnected", "conn_id", connID)
}
