package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is a Connection lifecycle state.
type ConnState int32

// Connection states.
const (
	ConnOpen ConnState = iota
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live subscription to the log namespace.
type Connection struct {
	ID        string
	CreatedAt time.Time

	pusher Pusher
	poller *LogPoller
	state  atomic.Int32
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Poller returns the connection's poller.
func (c *Connection) Poller() *LogPoller {
	return c.poller
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// keyLock is a per-ID mutex that lives only while someone holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps connection IDs to connections. Callers serialise work on one
// ID with Lock; different IDs proceed independently.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	locks map[string]*keyLock
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		locks: make(map[string]*keyLock),
	}
}

// Lock acquires the lock for id and returns its release function.
func (r *Registry) Lock(id string) (unlock func()) {
	r.mu.Lock()
	kl, ok := r.locks[id]
	if !ok {
		kl = &keyLock{}
		r.locks[id] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// put registers c, replacing any previous entry. Callers hold c.ID's lock.
func (r *Registry) put(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// remove deletes the entry for c.ID if it still refers to c.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ID]; ok && cur == c {
		delete(r.conns, c.ID)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the registered connection IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) lockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
