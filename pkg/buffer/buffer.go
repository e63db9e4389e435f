// Package buffer provides a generic, thread-safe bounded queue with overflow
// policies. The websocket transport uses it as the per-client outbound queue.
package buffer

import "sync/atomic"

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item. When full, the overflow policy decides which item is lost.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	Size() int
	Capacity() int

	// Ready is signalled after every successful Write. It has capacity one, so
	// a reader must drain with ReadBatch after each receive.
	Ready() <-chan struct{}

	Stats() Stats

	// Close rejects further writes. Items already queued remain readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item.
type DropCallback[T any] func(item T)

// Stats is a point-in-time copy of buffer counters.
type Stats struct {
	Writes  int64
	Reads   int64
	Dropped int64
}

type counters struct {
	writes  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Writes:  c.writes.Load(),
		Reads:   c.reads.Load(),
		Dropped: c.dropped.Load(),
	}
}

// NewCircularBuffer creates a circular buffer with the given capacity.
// Capacity below one is raised to one.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
