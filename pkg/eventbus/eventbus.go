// Package eventbus is a minimal in-memory pub/sub bus carrying rollout
// state-change events to notification sinks and dashboards. Publishing never
// blocks engine transitions: dispatch happens on the bus goroutine and each
// subscriber runs in its own goroutine.
package eventbus

import (
	"context"
	"sync"
)

// Event is a discrete state-change notification.
type Event struct {
	Type    string
	Source  string
	Payload any
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber receives events of the types it names.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus is the in-memory implementation.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
	once  sync.Once
}

// NewBus constructs a Bus with the given queue depth and starts dispatching.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops the dispatch loop. Safe to call more than once.
func (b *Bus) Close() { b.once.Do(func() { close(b.stop) }) }

// Register adds a subscriber for all of its topics.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event. It returns when the event is queued or the
// context is cancelled; it never waits on subscribers.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()
	for _, s := range subs {
		go s.Handle(context.Background(), evt)
	}
}

// Func adapts a plain function into a Subscriber.
type Func struct {
	On []string
	Fn func(ctx context.Context, evt Event)
}

func (f Func) Handle(ctx context.Context, evt Event) { f.Fn(ctx, evt) }
func (f Func) Topics() []string                      { return f.On }
