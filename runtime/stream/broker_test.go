package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func thinkingFor(runID string) Thinking {
	data := ThinkingPayload{Step: "analyzing request"}
	return Thinking{Base: NewBase(EventThinking, runID, "sess-1", data), Data: data}
}

func TestBrokerRoutesByRun(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)
	ctx := context.Background()

	chA, cancelA := b.Subscribe("run-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("run-b")
	defer cancelB()

	require.NoError(t, b.Send(ctx, thinkingFor("run-a")))
	require.NoError(t, b.Send(ctx, thinkingFor("run-b")))
	require.NoError(t, b.Send(ctx, thinkingFor("run-c")))

	got := <-chA
	require.Equal(t, "run-a", got.RunID())
	got = <-chB
	require.Equal(t, "run-b", got.RunID())
	require.Empty(t, chA)
	require.Empty(t, chB)
}

func TestBrokerFanOut(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)

	ch1, cancel1 := b.Subscribe("run-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("run-1")
	defer cancel2()
	require.Equal(t, 2, b.SubscriberCount("run-1"))
	require.Equal(t, 0, b.SubscriberCount("run-2"))

	require.NoError(t, b.Send(context.Background(), thinkingFor("run-1")))
	require.Equal(t, EventThinking, (<-ch1).Type())
	require.Equal(t, EventThinking, (<-ch2).Type())
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := NewBroker(1)
	ctx := context.Background()

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	// The second send must not block even though nothing drains the
	// channel.
	require.NoError(t, b.Send(ctx, thinkingFor("run-1")))
	require.NoError(t, b.Send(ctx, thinkingFor("run-1")))
	require.Len(t, ch, 1)
}

func TestBrokerCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)

	ch, cancel := b.Subscribe("run-1")
	cancel()
	cancel()
	require.Equal(t, 0, b.SubscriberCount("run-1"))

	_, ok := <-ch
	require.False(t, ok)

	// Publishing to a run with no subscribers succeeds and drops.
	require.NoError(t, b.Send(context.Background(), thinkingFor("run-1")))
}

func TestBrokerClose(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)
	ctx := context.Background()

	ch, cancel := b.Subscribe("run-1")
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	_, ok := <-ch
	require.False(t, ok)
	require.ErrorIs(t, b.Send(ctx, thinkingFor("run-1")), ErrSinkClosed)

	late, lateCancel := b.Subscribe("run-1")
	_, ok = <-late
	require.False(t, ok)
	lateCancel()
	cancel()
}
