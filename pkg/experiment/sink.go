package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ramp/pkg/model"
)

// Event is one recorded experiment interaction.
type Event struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	At           time.Time `json:"at"`
}

// EventSink accepts experiment events. Implementations must not block the
// caller beyond a queue handoff.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// BufferedSink queues events in memory and drains them to a handler on its
// own goroutine. A full queue rejects the event with
// model.ErrEventSinkUnavailable instead of blocking.
type BufferedSink struct {
	queue   chan Event
	handler func(Event)
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewBufferedSink starts a sink draining into handler.
func NewBufferedSink(capacity int, handler func(Event)) *BufferedSink {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &BufferedSink{
		queue:   make(chan Event, capacity),
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *BufferedSink) drain() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.queue:
			s.handler(ev)
		case <-s.stop:
			// flush what is already queued
			for {
				select {
				case ev := <-s.queue:
					s.handler(ev)
				default:
					return
				}
			}
		}
	}
}

// Record enqueues the event or fails immediately when the queue is full.
func (s *BufferedSink) Record(_ context.Context, ev Event) error {
	select {
	case s.queue <- ev:
		return nil
	default:
		return fmt.Errorf("%w: queue full", model.ErrEventSinkUnavailable)
	}
}

// Close flushes queued events and stops the drain goroutine.
func (s *BufferedSink) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
