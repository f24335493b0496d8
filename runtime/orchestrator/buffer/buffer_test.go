package buffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
)

func TestLateSubscriberReplaysInOrder(t *testing.T) {
	buf := New(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Publish(payload.NewDelta("u::j", fmt.Sprintf("chunk-%d", i))))
	}

	sub := buf.Subscribe()
	buf.Close()

	got, err := sub.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, p := range got {
		require.Equal(t, payload.TypeDelta, p.Type())
		require.Equal(t, fmt.Sprintf("chunk-%d", i), p.(*payload.Delta).Data.Text)
	}
}

func TestLiveDeliveryWakesBlockedSubscriber(t *testing.T) {
	buf := New(0)
	sub := buf.Subscribe()

	done := make(chan payload.Payload, 1)
	go func() {
		p, ok, err := sub.Next(context.Background())
		if err == nil && ok {
			done <- p
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Publish(payload.NewDelta("u::j", "live")))

	select {
	case p := <-done:
		require.NotNil(t, p)
		require.Equal(t, "live", p.(*payload.Delta).Data.Text)
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken by publish")
	}
}

func TestDropOldestWhenFull(t *testing.T) {
	buf := New(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Publish(payload.NewDelta("u::j", fmt.Sprintf("chunk-%d", i))))
	}
	require.Equal(t, 3, buf.Len())

	sub := buf.Subscribe()
	buf.Close()
	got, err := sub.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "chunk-2", got[0].(*payload.Delta).Data.Text)
	require.Equal(t, "chunk-4", got[2].(*payload.Delta).Data.Text)
}

func TestTerminalPayloadClosesBuffer(t *testing.T) {
	buf := New(0)
	require.NoError(t, buf.Publish(payload.NewDelta("u::j", "a")))
	require.NoError(t, buf.Publish(payload.NewComplete("u::j", payload.CompleteBody{Content: "done"})))

	require.True(t, buf.Terminal())
	require.True(t, buf.Closed())
	require.ErrorIs(t, buf.Publish(payload.NewDelta("u::j", "late")), ErrClosed)

	got, err := buf.Subscribe().Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, payload.TypeComplete, got[1].Type())
}

func TestCloseWithoutTerminalEndsStream(t *testing.T) {
	buf := New(0)
	require.NoError(t, buf.Publish(payload.NewDelta("u::j", "a")))
	buf.Close()
	buf.Close() // idempotent

	require.False(t, buf.Terminal())
	got, err := buf.Subscribe().Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestNextHonorsContext(t *testing.T) {
	buf := New(0)
	sub := buf.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := sub.Next(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultipleSubscribersSeeSameSequence(t *testing.T) {
	buf := New(0)
	a := buf.Subscribe()
	require.NoError(t, buf.Publish(payload.NewDelta("u::j", "one")))
	b := buf.Subscribe()
	require.NoError(t, buf.Publish(payload.NewError("u::j", "boom", nil)))

	gotA, err := a.Drain(context.Background())
	require.NoError(t, err)
	gotB, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, gotA, 2)
	require.Len(t, gotB, 2)
	require.Equal(t, gotA[0].Type(), gotB[0].Type())
	require.Equal(t, payload.TypeError, gotA[1].Type())
}
