// Package pulse publishes streaming events to Redis-backed Pulse streams so
// that SSE handlers in other processes can relay them to clients. Each run
// gets its own stream named run/<run-id>; events travel as JSON envelopes
// with the event type as the Pulse event name.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ensembleworks/ensemble/features/stream/pulse/clients/pulse"
	"github.com/ensembleworks/ensemble/runtime/stream"
)

type (
	// SinkOptions configures an event sink.
	SinkOptions struct {
		// Client is the Pulse client used to open streams. Required.
		Client pulse.Client
		// StreamName maps a run ID to a Pulse stream name. Defaults to
		// StreamName.
		StreamName func(runID string) string
	}

	// Sink implements stream.Sink on top of Pulse streams. It is safe for
	// concurrent use; stream handles are cached per run.
	Sink struct {
		client     pulse.Client
		streamName func(runID string) string

		mu      sync.Mutex
		streams map[string]pulse.Stream
		closed  bool
	}
)

// StreamName is the default mapping from run ID to Pulse stream name.
func StreamName(runID string) string {
	return "run/" + runID
}

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = StreamName
	}
	return &Sink{
		client:     opts.Client,
		streamName: name,
		streams:    make(map[string]pulse.Stream),
	}, nil
}

// Send implements stream.Sink. The event is encoded into its envelope and
// appended to the run's stream under the event type name.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if ev.RunID() == "" {
		return errors.New("event has no run ID")
	}
	env, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	str, err := s.streamFor(ev.RunID())
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, string(ev.Type()), payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type(), err)
	}
	return nil
}

// Close implements stream.Sink. The Pulse client itself belongs to the
// caller and stays open.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.streams = nil
	return nil
}

func (s *Sink) streamFor(runID string) (pulse.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sink is closed")
	}
	if str, ok := s.streams[runID]; ok {
		return str, nil
	}
	str, err := s.client.Stream(s.streamName(runID))
	if err != nil {
		return nil, err
	}
	s.streams[runID] = str
	return str, nil
}
