// ABOUTME: Tests for the realtime Bus fan-out
// ABOUTME: Covers join, publish, leave, context cleanup, slow consumers, close, concurrency

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(t *testing.T, b *Bus, ctx context.Context, channel string) (<-chan *Event, string) {
	t.Helper()
	ch, id, err := b.Join(ctx, channel)
	require.NoError(t, err)
	return ch, id
}

func TestBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := join(t, b, t.Context(), "conv-1")

	require.NoError(t, b.Publish("conv-1", NewEvent(EventMessageCreated, "conv-1", nil)))

	select {
	case got := <-ch:
		assert.Equal(t, EventMessageCreated, got.Type)
		assert.Equal(t, "conv-1", got.ConversationID)
		assert.NotEmpty(t, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := join(t, b, ctx, "conv-1")
	ch2, _ := join(t, b, ctx, "conv-1")
	assert.Equal(t, 2, b.Subscribers("conv-1"))

	ev := NewEvent(EventLockAcquired, "conv-1", map[string]string{"locked_by": "op-1"})
	require.NoError(t, b.Publish("conv-1", ev))

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, ev.ID, got.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBus_ChannelsAreIsolated(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := join(t, b, ctx, "conv-1")
	ch2, _ := join(t, b, ctx, "conv-2")

	require.NoError(t, b.Publish("conv-1", NewEvent(EventMessageCreated, "conv-1", nil)))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive events for conv-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = join(t, b, ctx, "conv-1") // never read
	ch2, _ := join(t, b, ctx, "conv-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 2 * subscriberBufferSize {
			_ = b.Publish("conv-1", NewEvent(EventMessageCreated, "conv-1", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// the second subscriber's buffer is also full but it still got the first batch
	assert.Len(t, ch2, subscriberBufferSize)
}

func TestBus_ContextCancellationLeaves(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := join(t, b, ctx, "conv-1")
	assert.Equal(t, 1, b.Subscribers("conv-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.Subscribers("conv-1"))
}

func TestBus_LeaveIsIdempotent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, subID := join(t, b, t.Context(), "conv-1")
	b.Leave("conv-1", subID)
	b.Leave("conv-1", subID)
	b.Leave("conv-x", "nope")

	_, ok := <-ch
	assert.False(t, ok)

	assert.NoError(t, b.Publish("conv-1", NewEvent(EventMessageCreated, "conv-1", nil)))
}

func TestBus_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBus(nil)

	ch1, _ := join(t, b, t.Context(), "conv-1")
	ch2, _ := join(t, b, t.Context(), "conv-2")

	b.Close()
	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}

	assert.ErrorIs(t, b.Publish("conv-1", NewEvent(EventMessageCreated, "conv-1", nil)), ErrClosed)
	_, _, err := b.Join(t.Context(), "conv-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ConcurrentPublishJoinLeave(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(context.Background())
			ch, _, err := b.Join(ctx, "conv-c")
			if err != nil {
				cancel()
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
				}
			}
			cancel()
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				_ = b.Publish("conv-c", NewEvent(EventMessageCreated, "conv-c", nil))
			}
		})
	}
	wg.Wait()
}
