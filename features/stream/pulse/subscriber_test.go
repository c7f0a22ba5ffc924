package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/ensembleworks/ensemble/runtime/stream"
)

func envelopePayload(t *testing.T, ev stream.Event) []byte {
	t.Helper()
	env, err := stream.Encode(ev)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestSubscriberDeliversDecodedEvents(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "sse"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := sub.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	sink := client.streams["run/run-1"].sink
	chunk := stream.Chunk{
		Base: stream.NewBase(stream.EventChunk, "run-1", "sess-1", stream.ChunkPayload{Content: "partial"}),
		Data: stream.ChunkPayload{Content: "partial"},
	}
	sink.events <- &streaming.Event{ID: "1-0", Payload: envelopePayload(t, chunk)}

	select {
	case ev := <-events:
		require.Equal(t, stream.EventChunk, ev.Type())
		require.Equal(t, "run-1", ev.RunID())
		got, ok := ev.(stream.Chunk)
		require.True(t, ok)
		require.Equal(t, "partial", got.Data.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberClosesOnTerminalEvent(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "sse"})
	require.NoError(t, err)

	ctx := context.Background()
	events, err := sub.Subscribe(ctx, "run-2")
	require.NoError(t, err)

	sink := client.streams["run/run-2"].sink
	complete := stream.Complete{
		Base: stream.NewBase(stream.EventComplete, "run-2", "", stream.CompletePayload{MessageID: "m1"}),
		Data: stream.CompletePayload{MessageID: "m1"},
	}
	sink.events <- &streaming.Event{ID: "1-0", Payload: envelopePayload(t, complete)}

	select {
	case ev := <-events:
		require.Equal(t, stream.EventComplete, ev.Type())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after terminal event")
	}
	require.Eventually(t, func() bool { return sink.closed }, time.Second, 5*time.Millisecond)
}

func TestSubscriberSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "sse"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := sub.Subscribe(ctx, "run-3")
	require.NoError(t, err)

	sink := client.streams["run/run-3"].sink
	sink.events <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	thinking := stream.Thinking{Base: stream.NewBase(stream.EventThinking, "run-3", "", stream.ThinkingPayload{})}
	sink.events <- &streaming.Event{ID: "1-1", Payload: envelopePayload(t, thinking)}

	select {
	case ev := <-events:
		require.Equal(t, stream.EventThinking, ev.Type())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after malformed entry")
	}
}

func TestSubscriberStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "sse"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := sub.Subscribe(ctx, "run-4")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscriberRequiresRunID(t *testing.T) {
	t.Parallel()

	sub, err := NewSubscriber(SubscriberOptions{Client: newFakeClient(), SinkName: "sse"})
	require.NoError(t, err)
	_, err = sub.Subscribe(context.Background(), "")
	require.Error(t, err)
}
