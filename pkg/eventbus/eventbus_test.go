package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivered(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 4)
	bus.Register(Func{
		On: []string{"rollout.expanded"},
		Fn: func(_ context.Context, evt Event) {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
			done <- struct{}{}
		},
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "rollout.expanded", Source: "engine", Payload: 25}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "engine", got[0].Source)
	assert.Equal(t, 25, got[0].Payload)
}

func TestTopicFiltering(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	delivered := make(chan string, 8)
	bus.Register(Func{
		On: []string{"rollout.rolled_back"},
		Fn: func(_ context.Context, evt Event) { delivered <- evt.Type },
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "rollout.expanded"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: "rollout.rolled_back"}))

	select {
	case typ := <-delivered:
		assert.Equal(t, "rollout.rolled_back", typ)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event was not delivered")
	}
	select {
	case typ := <-delivered:
		t.Fatalf("unexpected delivery: %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		bus.Register(Func{
			On: []string{"rollout.completed"},
			Fn: func(_ context.Context, _ Event) { wg.Done() },
		})
	}
	require.NoError(t, bus.Publish(context.Background(), Event{Type: "rollout.completed"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestPublishHonorsContext(t *testing.T) {
	bus := NewBus(0) // unbuffered queue
	bus.Close()
	time.Sleep(20 * time.Millisecond) // let the dispatch loop exit

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, Event{Type: "rollout.expanded"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
