// Package evaluator drives the incremental, memoizing dependency-graph
// evaluation at the heart of a build: a priority-queue frontier ordered by
// a deterministic hash-derived OrderKey, feeding a worker pool sized to the
// machine, with bounded backpressure via a buffered channel.
package evaluator

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/arrowbuild/buildcore/internal/key"
)

// WorkItem is a schedulable unit of evaluation: recompute Key, for the
// Attempt'th time this build (Attempt > 0 means a previous attempt returned
// MissingDeps and has since become unblocked).
type WorkItem struct {
	Key      key.Key
	OrderKey uint64
	Attempt  int
}

// ComputeOrderKey derives a deterministic priority from a key and the
// sequence number it was discovered in: hash the key's string form
// concatenated with a big-endian sequence number, and take the first 8
// bytes of the SHA-256 digest as a big-endian uint64. Determinism here is
// what makes the frontier's priority for a given key and sequence number
// the same across runs; items are ordered by this hash alone, not by the
// order in which they were discovered.
func ComputeOrderKey(k key.Key, seq uint64) uint64 {
	h := sha256.New()
	h.Write([]byte(k.String()))
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	h.Write(seqBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered work queue. Enqueue
// blocks once the queue holds capacity items, giving the evaluator
// backpressure against runaway fan-out: a build with unusually wide
// fan-out applies backpressure rather than growing without limit.
type Frontier struct {
	mu   sync.Mutex
	heap workHeap

	queue    chan WorkItem
	capacity int
	ctx      context.Context

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int64
	peakQueueDepth     atomic.Int64
}

// NewFrontier creates a Frontier bounded to capacity outstanding items.
func NewFrontier(ctx context.Context, capacity int) *Frontier {
	f := &Frontier{
		heap:     make(workHeap, 0),
		queue:    make(chan WorkItem, capacity),
		capacity: capacity,
		ctx:      ctx,
	}
	heap.Init(&f.heap)
	return f
}

func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int64(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int64(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Metrics is a point-in-time snapshot of frontier activity, surfaced through
// internal/metrics as Prometheus gauges/counters.
type Metrics struct {
	QueueDepth         int64
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int64
	PeakQueueDepth     int64
}

func (f *Frontier) Metrics() Metrics {
	return Metrics{
		QueueDepth:         int64(f.Len()),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:      f.peakQueueDepth.Load(),
	}
}
