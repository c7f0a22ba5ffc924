package stream

import (
	"context"
	"sync"
)

// DefaultBrokerBuffer is the per-subscriber channel capacity.
const DefaultBrokerBuffer = 64

// Broker is an in-process Sink that fans events out to per-run subscribers.
// Activities publish through it like any other sink; runners subscribe to a
// run before starting it and forward what arrives to the client projector.
//
// Delivery is best effort: a subscriber that stops draining its channel
// loses events instead of blocking publishers, and events for runs with no
// subscribers are dropped. The workflow's durable state is never affected
// by what the broker does or does not deliver.
type Broker struct {
	mu     sync.RWMutex
	buf    int
	runs   map[string]map[chan Event]struct{}
	closed bool
}

// NewBroker returns a broker whose subscriber channels buffer up to buf
// events. A non-positive buf uses DefaultBrokerBuffer.
func NewBroker(buf int) *Broker {
	if buf <= 0 {
		buf = DefaultBrokerBuffer
	}
	return &Broker{
		buf:  buf,
		runs: make(map[string]map[chan Event]struct{}),
	}
}

// Send implements Sink. The event is routed by its run ID to that run's
// subscribers without blocking; full subscriber channels drop the event.
func (b *Broker) Send(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrSinkClosed
	}
	for ch := range b.runs[event.RunID()] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for one run's events. The returned
// cancel function is idempotent; it closes the channel and removes the
// registration. Subscribing to a closed broker yields a closed channel.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	subs := b.runs[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.runs[runID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.runs[runID]; ok {
				if _, live := subs[ch]; live {
					close(ch)
					delete(subs, ch)
				}
				if len(subs) == 0 {
					delete(b.runs, runID)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount reports how many subscribers a run currently has. Runners
// use it to tell a watched run from an abandoned one.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}

// Close implements Sink. It closes every subscriber channel; later Send
// calls return ErrSinkClosed and later Subscribe calls yield closed
// channels.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for runID, subs := range b.runs {
		for ch := range subs {
			close(ch)
		}
		delete(b.runs, runID)
	}
	return nil
}
