package testutil

import (
	"context"
	"sync"
	"time"
)

// Push is one recorded server-to-client event.
type Push struct {
	Event   string
	Payload any
}

// RecordingPusher records every push for later inspection.
type RecordingPusher struct {
	mu     sync.Mutex
	pushes []Push
	err    error
	notify chan struct{}
}

// NewRecordingPusher creates an empty recorder.
func NewRecordingPusher() *RecordingPusher {
	return &RecordingPusher{notify: make(chan struct{}, 1)}
}

// Push records the event. It returns the error set by FailWith, without
// recording, when one is set.
func (p *RecordingPusher) Push(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.pushes = append(p.pushes, Push{Event: event, Payload: payload})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// FailWith makes subsequent pushes fail with err; nil restores success.
func (p *RecordingPusher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Pushes returns a copy of the recorded pushes.
func (p *RecordingPusher) Pushes() []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Push(nil), p.pushes...)
}

// Events returns the recorded pushes with the given event name.
func (p *RecordingPusher) Events(event string) []Push {
	var out []Push
	for _, push := range p.Pushes() {
		if push.Event == event {
			out = append(out, push)
		}
	}
	return out
}

// WaitFor blocks until at least n pushes of event are recorded or the
// timeout elapses, and reports whether the count was reached.
func (p *RecordingPusher) WaitFor(event string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if len(p.Events(event)) >= n {
			return true
		}
		select {
		case <-p.notify:
		case <-deadline.C:
			return len(p.Events(event)) >= n
		}
	}
}
