// ABOUTME: Tests for the Broadcaster fan-out
// ABOUTME: Covers ordering, slow-subscriber disconnect, context cleanup and close

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_AllSubscribersReceive(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(ClientConnected, map[string]string{"hostname": "h1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recv(t, ch)
		assert.Equal(t, ClientConnected, ev.Type)
		assert.Equal(t, uint64(1), ev.Seq)
	}
}

func TestBroadcaster_OrderPreservedUnderConcurrentPublish(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	const n = 100
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(TaskUpdated, i)
		}(i)
	}
	wg.Wait()

	var seq1, seq2 []uint64
	for range n {
		seq1 = append(seq1, recv(t, ch1).Seq)
		seq2 = append(seq2, recv(t, ch2).Seq)
	}

	assert.Equal(t, seq1, seq2, "subscribers must see the same order")
	for i := 1; i < n; i++ {
		assert.Equal(t, seq1[i-1]+1, seq1[i])
	}
}

func TestBroadcaster_SlowSubscriberDisconnected(t *testing.T) {
	b := New(nil)
	b.bufferSize = 2
	defer b.Close()

	slow, _ := b.Subscribe(t.Context())
	b.bufferSize = 16
	fast, _ := b.Subscribe(t.Context())

	for i := range 3 {
		b.Publish(Telemetry, i)
	}

	// The slow subscriber got the events that fit, then its channel closed.
	assert.Equal(t, uint64(1), recv(t, slow).Seq)
	assert.Equal(t, uint64(2), recv(t, slow).Seq)
	_, ok := <-slow
	assert.False(t, ok, "slow subscriber should be disconnected")

	for i := range 3 {
		assert.Equal(t, uint64(i+1), recv(t, fast).Seq)
	}
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_UnsubscribeUnknownIsNoop(t *testing.T) {
	b := New(nil)
	defer b.Close()

	b.Unsubscribe("nope")

	_, id := b.Subscribe(t.Context())
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_Close(t *testing.T) {
	b := New(nil)

	ch, _ := b.Subscribe(t.Context())
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publish and Subscribe after close are harmless.
	b.Publish(Error, ErrorData{Message: "late"})
	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok)
}
