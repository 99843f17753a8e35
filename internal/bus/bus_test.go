package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEmitter collects every Event it receives, safe for concurrent
// use by a concurrent-dispatch subscription's drain goroutine.
type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) EmitBatch(_ context.Context, evs []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

func (r *recordingEmitter) Flush(context.Context) error { return nil }

func (r *recordingEmitter) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type panickingEmitter struct{}

func (panickingEmitter) Emit(Event)                               { panic("boom") }
func (panickingEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (panickingEmitter) Flush(context.Context) error              { return nil }

func TestBus_FansOutToEverySubscriber(t *testing.T) {
	b := New()
	a, c := &recordingEmitter{}, &recordingEmitter{}
	b.Subscribe(a, false)
	b.Subscribe(c, true)

	b.Publish(Event{Kind: ActionStarted, Key: "//pkg:a"})
	require.NoError(t, b.Flush(context.Background()))

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, c.snapshot(), 1)
	b.Close()
}

func TestBus_SerialSubscriberSeesPublishOrder(t *testing.T) {
	b := New()
	rec := &recordingEmitter{}
	b.Subscribe(rec, false)

	for i := 0; i < 20; i++ {
		b.Publish(Event{Kind: ActionStarted, Attempt: i})
	}

	events := rec.snapshot()
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, i, ev.Attempt)
	}
}

func TestBus_ConcurrentSubscriberEventuallySeesAllInPublishOrder(t *testing.T) {
	b := New()
	rec := &recordingEmitter{}
	b.Subscribe(rec, true)

	for i := 0; i < 20; i++ {
		b.Publish(Event{Kind: ActionStarted, Attempt: i})
	}
	require.NoError(t, b.Flush(context.Background()))

	events := rec.snapshot()
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, i, ev.Attempt, "a single concurrent subscriber's own drain loop must preserve publish order")
	}
	b.Close()
}

func TestBus_PanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	rec := &recordingEmitter{}
	b.Subscribe(panickingEmitter{}, false)
	b.Subscribe(rec, false)

	assert.NotPanics(t, func() {
		b.Publish(Event{Kind: ActionFailed})
	})
	assert.Len(t, rec.snapshot(), 1)
}

func TestBus_FlushWaitsForQueuedConcurrentEvents(t *testing.T) {
	b := New()
	rec := &recordingEmitter{}
	b.Subscribe(rec, true)

	for i := 0; i < 50; i++ {
		b.Publish(Event{Kind: ActionStarted, Attempt: i})
	}
	err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.snapshot(), 50, "Flush must block until every event published before it was delivered")
	b.Close()
}

func TestBus_FlushRespectsContextCancellation(t *testing.T) {
	b := New()
	slow := &blockingEmitter{release: make(chan struct{})}
	b.Subscribe(slow, true)
	b.Publish(Event{Kind: ActionStarted})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(slow.release)
	b.Close()
}

// blockingEmitter blocks its first Emit until release is closed, so the
// bus's internal drain queue backs up behind it for the cancellation test.
type blockingEmitter struct {
	release chan struct{}
}

func (b *blockingEmitter) Emit(Event) { <-b.release }

func (b *blockingEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (b *blockingEmitter) Flush(context.Context) error              { return nil }
