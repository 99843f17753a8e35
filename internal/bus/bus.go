package bus

import (
	"context"
	"log"
	"sync"
)

// subscription pairs an Emitter with its dispatch mode.
type subscription struct {
	emitter    Emitter
	concurrent bool

	// mu serializes delivery to a non-concurrent subscriber; pending and
	// done are the event queue and drain-exit signal of a concurrent one.
	mu      sync.Mutex
	pending chan Event
	done    chan struct{}
}

// Bus fans out published events to every subscribed Emitter. Subscribers
// registered with concurrent dispatch may observe events out of publish
// order relative to each other, but every subscriber individually always
// sees its own events in post-order (the order they were Published). A
// panicking Emitter is caught and logged; it never takes down the
// publisher or other subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe attaches emitter to the bus. When concurrent is true, Emit is
// invoked on a drain goroutine dedicated to this subscriber (no ordering
// guarantee relative to other subscribers, but this subscriber's own events
// are still delivered one at a time in publish order via an internal
// queue). When concurrent is false, Emit runs synchronously on the
// publishing goroutine under a per-subscriber mutex, so Publish does not
// return until every serialized subscriber has processed the event.
func (b *Bus) Subscribe(emitter Emitter, concurrent bool) {
	sub := &subscription{emitter: emitter, concurrent: concurrent}
	if concurrent {
		sub.pending = make(chan Event, 256)
		sub.done = make(chan struct{})
		go sub.drain()
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func (s *subscription) drain() {
	defer close(s.done)
	for ev := range s.pending {
		if ev.barrier != nil {
			close(ev.barrier)
			continue
		}
		s.deliver(ev)
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: subscriber panicked handling %s: %v", ev.Kind, r)
		}
	}()
	s.emitter.Emit(ev)
}

// Publish delivers ev to every subscriber. Concurrent subscribers receive
// it asynchronously (queued, delivered in order by the subscriber's own
// drain goroutine); synchronous subscribers receive it inline, in
// subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.concurrent {
			select {
			case sub.pending <- ev:
			default:
				// Queue full: drop rather than block the publisher.
				log.Printf("bus: dropping event %s, subscriber queue full", ev.Kind)
			}
			continue
		}
		sub.mu.Lock()
		sub.deliver(ev)
		sub.mu.Unlock()
	}
}

// Flush blocks until every subscriber has processed all events published so
// far, then calls each Emitter's own Flush.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if sub.concurrent {
			barrier := make(chan struct{})
			select {
			case sub.pending <- Event{barrier: barrier}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-barrier:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sub.emitter.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops all concurrent subscribers' drain goroutines. Call after a
// final Flush.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.concurrent {
			close(sub.pending)
			<-sub.done
		}
	}
	b.subs = nil
}
