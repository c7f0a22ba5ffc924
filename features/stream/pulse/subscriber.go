package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"

	"github.com/ensembleworks/ensemble/features/stream/pulse/clients/pulse"
	"github.com/ensembleworks/ensemble/runtime/stream"
)

type (
	// SubscriberOptions configures a run event subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to open streams. Required.
		Client pulse.Client
		// SinkName names the consumer group. Required; subscribers sharing a
		// name split the stream between them, distinct names each see every
		// event.
		SinkName string
		// StreamName maps a run ID to a Pulse stream name. Defaults to
		// StreamName.
		StreamName func(runID string) string
		// Buffer sizes the delivery channel. Defaults to 64.
		Buffer int
	}

	// Subscriber reads a run's event stream from Pulse and delivers decoded
	// events in order. The subscription ends when a terminal event arrives,
	// the context is canceled, or Close is called.
	Subscriber struct {
		client     pulse.Client
		sinkName   string
		streamName func(runID string) string
		buffer     int
	}
)

// NewSubscriber constructs a subscriber for run event streams.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		return nil, errors.New("sink name is required")
	}
	name := opts.StreamName
	if name == nil {
		name = StreamName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client:     opts.Client,
		sinkName:   opts.SinkName,
		streamName: name,
		buffer:     buffer,
	}, nil
}

// Subscribe opens the run's stream and returns a channel of decoded events.
// The channel closes after a terminal event or when ctx is canceled. Decode
// failures are logged and skipped so one malformed entry cannot stall the
// stream.
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan stream.Event, error) {
	if runID == "" {
		return nil, errors.New("run ID is required")
	}
	str, err := s.client.Stream(s.streamName(runID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, s.sinkName)
	if err != nil {
		return nil, fmt.Errorf("create sink %q: %w", s.sinkName, err)
	}

	out := make(chan stream.Event, s.buffer)
	go s.consume(ctx, sink, out)
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- stream.Event) {
	defer close(out)
	defer sink.Close(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case pev, ok := <-events:
			if !ok {
				return
			}
			ev, err := decodeEvent(pev)
			ackErr := sink.Ack(ctx, pev)
			if err != nil {
				log.Errorf(ctx, err, "skipping undecodable stream event")
				continue
			}
			if ackErr != nil {
				log.Errorf(ctx, ackErr, "ack stream event")
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if stream.Terminal(ev.Type()) {
				return
			}
		}
	}
}

func decodeEvent(pev *streaming.Event) (stream.Event, error) {
	var env stream.Envelope
	if err := json.Unmarshal(pev.Payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Decode()
}
