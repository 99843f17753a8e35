package bus

import (
	"context"
	"sync"
)

// BufferedEmitter collects events in memory and forwards them to an inner
// Emitter in batches, either once BatchSize is reached or on Flush.
type BufferedEmitter struct {
	inner     Emitter
	batchSize int

	mu  sync.Mutex
	buf []Event
}

func NewBufferedEmitter(inner Emitter, batchSize int) *BufferedEmitter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BufferedEmitter{inner: inner, batchSize: batchSize}
}

func (b *BufferedEmitter) Emit(event Event) {
	if event.barrier != nil {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, event)
	full := len(b.buf) >= b.batchSize
	var batch []Event
	if full {
		batch = b.buf
		b.buf = nil
	}
	b.mu.Unlock()

	if full {
		_ = b.inner.EmitBatch(context.Background(), batch)
	}
}

func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		if err := b.inner.EmitBatch(ctx, batch); err != nil {
			return err
		}
	}
	return b.inner.Flush(ctx)
}
