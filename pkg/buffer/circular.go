package buffer

import (
	"sync"

	"github.com/c360/aprsgate/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	ready    chan struct{}
	stats    counters
	opts     *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		opts:     opts,
	}
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var dropped T
	hasDropped := false

	if cb.size == cb.capacity {
		cb.stats.dropped.Add(1)
		switch cb.opts.overflowPolicy {
		case DropNewest:
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		default:
			dropped, hasDropped = cb.items[cb.tail], true
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.writes.Add(1)
	cb.mu.Unlock()

	select {
	case cb.ready <- struct{}{}:
	default:
	}

	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	items := cb.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n
	cb.stats.reads.Add(int64(n))
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

func (cb *circularBuffer[T]) Stats() Stats {
	return cb.stats.snapshot()
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
