// ABOUTME: Tests for the admin event broadcaster
// ABOUTME: Covers per-call and all-call fan-out, slow subscriber drops and cleanup

package mirror

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
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_PerCallAndAll(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	one, _ := b.Subscribe(t.Context(), "call-1")
	all, _ := b.Subscribe(t.Context(), "")
	other, _ := b.Subscribe(t.Context(), "call-2")

	b.Publish(Event{Type: TypeUtterance, CallID: "call-1", Text: "balance"})

	assert.Equal(t, "balance", recv(t, one).Text)
	ev := recv(t, all)
	assert.Equal(t, TypeUtterance, ev.Type)
	assert.False(t, ev.At.IsZero(), "timestamp filled in")

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other call: %+v", ev)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ch, _ := b.Subscribe(t.Context(), "")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize + 10 {
			b.Publish(Event{Type: TypeFinal, CallID: "c"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "call-1")
	assert.Equal(t, 1, b.Subscribers())
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		ctx, cancel := context.WithCancel(t.Context())
		_, id := b.Subscribe(ctx, "c")
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: TypeAction, CallID: "c", Sequence: int64(i)})
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe("c", id)
			cancel()
		}()
	}
	wg.Wait()
}

func TestDiscard(t *testing.T) {
	Discard.Publish(Event{Type: TypeCallStarted})
}
