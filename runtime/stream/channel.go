package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed reports a Send on a closed sink.
var ErrSinkClosed = errors.New("stream sink is closed")

// ChannelSink is an in-process Sink backed by a buffered channel. It is the
// default transport for request-scoped streaming (an SSE handler ranges over
// Events) and for tests.
type ChannelSink struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewChannelSink returns a sink buffering up to size events. A zero size
// uses a buffer of 64.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Events exposes the delivery channel. It is closed by Close, so consumers
// can range over it.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Send implements Sink. It blocks while the buffer is full until the
// context is canceled.
func (s *ChannelSink) Send(ctx context.Context, event Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink. It waits for in-flight Send calls, then closes the
// delivery channel.
func (s *ChannelSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}
