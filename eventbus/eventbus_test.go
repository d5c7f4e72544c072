package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jxucoder/microcase/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ev(typ, data string) *model.Event {
	return &model.Event{SessionID: "s1", Type: typ, Data: data}
}

func collect(t *testing.T, ch <-chan *model.Event) []*model.Event {
	t.Helper()
	var out []*model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	require.NoError(t, b.Publish("s1", ev(model.EventProgress, "a")))
	require.NoError(t, b.Publish("s1", ev(model.EventMicrocase, "b")))

	ch, err := b.Stream(context.Background(), "s1")
	require.NoError(t, err)

	go func() {
		_ = b.Publish("s1", ev(model.EventProgress, "c"))
		_ = b.Publish("s1", ev(model.EventComplete, "d"))
	}()

	got := collect(t, ch)
	require.Len(t, got, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		require.Equal(t, want, got[i].Data)
		require.Equal(t, int64(i+1), got[i].ID)
	}
	require.True(t, got[3].Terminal())
}

func TestTerminatedSessionIsUnknown(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	require.NoError(t, b.Publish("s1", ev(model.EventComplete, "")))

	ch, err := b.Stream(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, collect(t, ch), 1)

	_, err = b.Stream(context.Background(), "s1")
	require.ErrorIs(t, err, ErrUnknownSession)
	require.ErrorIs(t, b.Publish("s1", ev(model.EventProgress, "")), ErrUnknownSession)
}

func TestUnknownSession(t *testing.T) {
	b := NewInMemoryBus(0)
	_, err := b.Stream(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestSingleConsumer(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Stream(ctx, "s1")
	require.NoError(t, err)

	_, err = b.Stream(context.Background(), "s1")
	require.ErrorIs(t, err, ErrAlreadyStreaming)

	cancel()
	for range ch {
	}
}

func TestReconnectKeepsUndelivered(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	require.NoError(t, b.Publish("s1", ev(model.EventProgress, "first")))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Stream(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "first", (<-ch).Data)
	cancel()
	for range ch {
	}

	require.NoError(t, b.Publish("s1", ev(model.EventProgress, "second")))
	require.NoError(t, b.Publish("s1", ev(model.EventComplete, "done")))

	ch, err = b.Stream(context.Background(), "s1")
	require.NoError(t, err)
	got := collect(t, ch)
	require.Len(t, got, 2)
	require.Equal(t, "second", got[0].Data)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10000 {
			_ = b.Publish("s1", ev(model.EventProgress, fmt.Sprint(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked without a consumer")
	}
	pending, dropped := b.Pending("s1")
	require.Equal(t, 10000, pending)
	require.Zero(t, dropped)
}

func TestMaxEventsDropsProgressFirst(t *testing.T) {
	b := NewInMemoryBus(3)
	b.Open("s1")
	require.NoError(t, b.Publish("s1", ev(model.EventMicrocase, "m1")))
	require.NoError(t, b.Publish("s1", ev(model.EventProgress, "p1")))
	require.NoError(t, b.Publish("s1", ev(model.EventMicrocase, "m2")))
	require.NoError(t, b.Publish("s1", ev(model.EventComplete, "done")))

	pending, dropped := b.Pending("s1")
	require.Equal(t, 3, pending)
	require.Equal(t, 1, dropped)

	ch, err := b.Stream(context.Background(), "s1")
	require.NoError(t, err)
	got := collect(t, ch)
	require.Equal(t, []string{"m1", "m2", "done"}, []string{got[0].Data, got[1].Data, got[2].Data})
}

func TestPublishAfterTerminalIgnored(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	require.NoError(t, b.Publish("s1", ev(model.EventComplete, "done")))
	require.NoError(t, b.Publish("s1", ev(model.EventProgress, "late")))

	pending, _ := b.Pending("s1")
	require.Equal(t, 1, pending)
}

func TestClose(t *testing.T) {
	b := NewInMemoryBus(0)
	b.Open("s1")
	b.Close("s1")
	require.True(t, errors.Is(b.Publish("s1", ev(model.EventProgress, "")), ErrUnknownSession))
}
