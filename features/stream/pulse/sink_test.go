package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/ensembleworks/ensemble/features/stream/pulse/clients/pulse"
	"github.com/ensembleworks/ensemble/runtime/stream"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
		err     error
	}

	fakeStream struct {
		added []addedEvent
		err   error
		sink  *fakeSink
	}

	addedEvent struct {
		name    string
		payload []byte
	}

	fakeSink struct {
		events chan *streaming.Event
		acked  []string
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	str, ok := c.streams[name]
	if !ok {
		str = &fakeStream{sink: newFakeSink()}
		c.streams[name] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.added = append(s.added, addedEvent{name: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (pulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan *streaming.Event, 16)}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) { s.closed = true }

func TestSinkPublishesEnvelope(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	ev := stream.Chunk{
		Base: stream.NewBase(stream.EventChunk, "run-1", "sess-1", stream.ChunkPayload{Content: "hello"}),
		Data: stream.ChunkPayload{Content: "hello"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	str, ok := client.streams["run/run-1"]
	require.True(t, ok)
	require.Len(t, str.added, 1)
	require.Equal(t, "chunk", str.added[0].name)

	var env stream.Envelope
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	require.Equal(t, stream.EventChunk, env.Event)
	require.Equal(t, "run-1", env.RunID)
	require.Equal(t, "sess-1", env.SessionID)

	var body stream.ChunkPayload
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Equal(t, "hello", body.Content)
}

func TestSinkReusesStreamHandle(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev := stream.Thinking{
			Base: stream.NewBase(stream.EventThinking, "run-2", "", stream.ThinkingPayload{}),
		}
		require.NoError(t, sink.Send(context.Background(), ev))
	}

	require.Len(t, client.streams, 1)
	require.Len(t, client.streams["run/run-2"].added, 3)
}

func TestSinkRejectsEventsWithoutRunID(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(SinkOptions{Client: newFakeClient()})
	require.NoError(t, err)

	ev := stream.Thinking{Base: stream.NewBase(stream.EventThinking, "", "", stream.ThinkingPayload{})}
	require.Error(t, sink.Send(context.Background(), ev))
}

func TestSinkSendAfterClose(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(SinkOptions{Client: newFakeClient()})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	ev := stream.Thinking{Base: stream.NewBase(stream.EventThinking, "run-3", "", stream.ThinkingPayload{})}
	require.Error(t, sink.Send(context.Background(), ev))
}

func TestSinkPropagatesAddErrors(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.streams["run/run-4"] = &fakeStream{err: errors.New("redis down"), sink: newFakeSink()}
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	ev := stream.Thinking{Base: stream.NewBase(stream.EventThinking, "run-4", "", stream.ThinkingPayload{})}
	require.Error(t, sink.Send(context.Background(), ev))
}
