package evaluator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arrowbuild/buildcore/internal/bus"
	"github.com/arrowbuild/buildcore/internal/graphstore"
	"github.com/arrowbuild/buildcore/internal/key"
	"github.com/arrowbuild/buildcore/internal/metrics"
)

// ErrMaxRestartsExceeded is returned when a single key requests a restart
// (via MissingDeps) more times than MaxRestartsPerKey within one build: a
// bound against a function that keeps discovering new dependencies forever
// instead of converging.
var ErrMaxRestartsExceeded = errors.New("evaluator: key exceeded max restarts")

// CycleError reports a dependency cycle detected while scheduling work. Path
// lists the keys in cycle order, starting and ending at the same key.
type CycleError struct {
	Path []key.Key
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = k.String()
	}
	return fmt.Sprintf("evaluator: dependency cycle: %v", parts)
}

// Options configures an Evaluator.
type Options struct {
	// Workers is the worker-pool size; defaults to runtime.NumCPU().
	Workers int
	// QueueDepth bounds the frontier; defaults to 4096.
	QueueDepth int
	// MaxRestartsPerKey bounds how many times a single key may return
	// MissingDeps before the evaluator gives up on it; defaults to 10000.
	MaxRestartsPerKey int
	// KeepGoing continues evaluating independent subgraphs after one key
	// fails permanently, instead of the fail-fast default.
	KeepGoing bool
	// Bus receives started/restarted/completed/failed lifecycle events, and
	// may be nil.
	Bus *bus.Bus
	// Metrics, if set, records restart counts and final queue depth. Nil
	// disables recording.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 4096
	}
	if o.MaxRestartsPerKey <= 0 {
		o.MaxRestartsPerKey = 10000
	}
	return o
}

// Registry resolves a key's FunctionName to the key.Function that computes
// it.
type Registry interface {
	Lookup(functionName string) (key.Function, bool)
}

// MapRegistry is the simplest Registry: a static map, assembled once at
// evaluator construction.
type MapRegistry map[string]key.Function

func (r MapRegistry) Lookup(name string) (key.Function, bool) { f, ok := r[name]; return f, ok }

// status tracks one key's progress through a single Evaluate call.
type status int

const (
	statusScheduled status = iota
	statusWaiting          // blocked on MissingDeps, not currently in the frontier
	statusDone
	statusFailed
)

type nodeState struct {
	status   status
	attempt  int
	value    key.Value
	err      error
	deps     []key.Key          // dependencies requested on the most recent attempt, in order
	waitFor  map[key.Key]bool   // unresolved deps blocking the current attempt (status==statusWaiting)
	waiters  map[key.Key]bool   // keys with an edge into this one (for cycle detection + propagation)
	hermetic bool
}

// Evaluator is the incremental dependency-graph driver. One Evaluator
// corresponds to one build; Store persistence lets successive Evaluator
// runs reuse Clean nodes from a prior build.
type Evaluator struct {
	store    graphstore.Store
	registry Registry
	opts     Options
	runID    string

	mu           sync.Mutex
	state        map[key.Key]*nodeState
	pendingCount int
	seq          uint64
	firstErr     error
	firstErrKey  key.Key
}

// New creates an Evaluator over store, using registry to resolve keys to
// Functions.
func New(store graphstore.Store, registry Registry, opts Options) *Evaluator {
	return &Evaluator{
		store:    store,
		registry: registry,
		opts:     opts.withDefaults(),
		runID:    uuid.NewString(),
		state:    make(map[key.Key]*nodeState),
	}
}

// Evaluate computes the value of every key in roots (and transitively, their
// dependencies), reusing Clean nodes already recorded in the store. It
// returns every value successfully resolved this build; when KeepGoing is
// false the returned error is the first permanent failure encountered and
// evaluation of independent subgraphs is abandoned as soon as workers notice
// the cancellation. When KeepGoing is true, independent subgraphs continue
// and the returned map includes every key that did resolve.
func (e *Evaluator) Evaluate(ctx context.Context, buildVersion int64, roots []key.Key) (map[key.Key]key.Value, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frontier := NewFrontier(runCtx, e.opts.QueueDepth)

	e.mu.Lock()
	for _, r := range roots {
		e.scheduleLocked(runCtx, frontier, r)
	}
	emptyAlready := e.pendingCount == 0
	e.mu.Unlock()

	if emptyAlready {
		return e.snapshotValues(), nil
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.worker(gctx, buildVersion, frontier, cancel)
			return nil
		})
	}
	_ = g.Wait()

	if e.opts.Metrics != nil {
		fm := frontier.Metrics()
		e.opts.Metrics.UpdateQueueDepth(fm.PeakQueueDepth)
		e.opts.Metrics.IncrementBackpressureBy("frontier_at_capacity", fm.BackpressureEvents)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.firstErr != nil && !e.opts.KeepGoing {
		return e.snapshotValuesLocked(), e.firstErr
	}
	for _, r := range roots {
		if st, ok := e.state[r]; ok && st.status == statusFailed {
			return e.snapshotValuesLocked(), st.err
		}
	}
	return e.snapshotValuesLocked(), nil
}

func (e *Evaluator) snapshotValues() map[key.Key]key.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotValuesLocked()
}

func (e *Evaluator) snapshotValuesLocked() map[key.Key]key.Value {
	out := make(map[key.Key]key.Value, len(e.state))
	for k, st := range e.state {
		if st.status == statusDone {
			out[k] = st.value
		}
	}
	return out
}

// scheduleLocked registers k for evaluation if it isn't already tracked this
// build, and enqueues it onto the frontier. Callers must hold e.mu.
func (e *Evaluator) scheduleLocked(ctx context.Context, frontier *Frontier, k key.Key) {
	if _, ok := e.state[k]; ok {
		return
	}
	e.state[k] = &nodeState{status: statusScheduled, waiters: make(map[key.Key]bool)}
	e.pendingCount++
	e.seq++
	item := WorkItem{Key: k, OrderKey: ComputeOrderKey(k, e.seq), Attempt: 0}

	go func() {
		if err := frontier.Enqueue(ctx, item); err != nil {
			e.recordFailureAsync(k, fmt.Errorf("evaluator: enqueue %s: %w", k, err))
		}
	}()
}

func (e *Evaluator) recordFailureAsync(k key.Key, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishFailedLocked(k, err)
}

func (e *Evaluator) worker(ctx context.Context, buildVersion int64, frontier *Frontier, cancel context.CancelFunc) {
	for {
		item, err := frontier.Dequeue(ctx)
		if err != nil {
			return
		}
		e.process(ctx, buildVersion, frontier, item, cancel)

		e.mu.Lock()
		done := e.pendingCount == 0
		e.mu.Unlock()
		if done {
			return
		}
	}
}

func (e *Evaluator) process(ctx context.Context, buildVersion int64, frontier *Frontier, item WorkItem, cancel context.CancelFunc) {
	k := item.Key

	if e.opts.Bus != nil {
		e.opts.Bus.Publish(bus.Event{Kind: bus.EvaluatorKeyStarted, RunID: e.runID, Key: k.String(), Attempt: item.Attempt})
	}

	if n, err := e.store.Get(ctx, k); err == nil && n.Dirty == graphstore.Clean && item.Attempt == 0 {
		e.mu.Lock()
		e.finishValueLocked(ctx, frontier, k, n.Value)
		e.mu.Unlock()
		return
	}

	fn, ok := e.registry.Lookup(k.FunctionName)
	if !ok {
		e.mu.Lock()
		e.finishFailedLocked(k, fmt.Errorf("evaluator: no function registered for %q", k.FunctionName))
		e.mu.Unlock()
		return
	}

	env := newCallEnv(e, k)
	value, err := fn.Compute(ctx, k.Argument, env)

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state[k]
	st.deps = env.requested
	st.hermetic = fn.Hermetic()

	switch {
	case err == nil:
		e.finishValueLocked(ctx, frontier, k, value)
		if st.hermetic {
			_ = e.store.Put(ctx, k, graphstore.Node{Value: value, Deps: st.deps, ComputedAt: buildVersion, CheckedAt: buildVersion, Dirty: graphstore.Clean})
		}

	case isMissingDeps(err):
		md := asMissingDeps(err)
		st.attempt++
		if st.attempt > e.opts.MaxRestartsPerKey {
			e.finishFailedLocked(k, fmt.Errorf("%w: %s", ErrMaxRestartsExceeded, k))
			return
		}
		if e.opts.Bus != nil {
			e.opts.Bus.Publish(bus.Event{Kind: bus.EvaluatorKeyRestarted, RunID: e.runID, Key: k.String(), Attempt: st.attempt})
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementRestarts(k.FunctionName)
		}
		e.awaitDepsLocked(ctx, frontier, k, st, md.Keys)

	default:
		e.finishFailedLocked(k, err)
	}
}

// awaitDepsLocked schedules any not-yet-tracked keys in deps, wires up
// waiter/waitFor bookkeeping, checks for a cycle, and either re-enqueues k
// immediately (if every dep already resolved) or marks it statusWaiting.
// Caller must hold e.mu.
func (e *Evaluator) awaitDepsLocked(ctx context.Context, frontier *Frontier, k key.Key, st *nodeState, deps []key.Key) {
	st.waitFor = make(map[key.Key]bool)

	for _, d := range deps {
		if d == k {
			e.finishFailedLocked(k, &CycleError{Path: []key.Key{k, k}})
			return
		}
		if path := e.findPath(d, k); path != nil {
			e.finishFailedLocked(k, &CycleError{Path: append([]key.Key{k}, path...)})
			return
		}

		e.scheduleLocked(ctx, frontier, d)
		depSt := e.state[d]

		switch depSt.status {
		case statusDone:
			// already resolved, no wait needed
		case statusFailed:
			e.finishFailedLocked(k, fmt.Errorf("evaluator: dependency %s failed: %w", d, depSt.err))
			return
		default:
			st.waitFor[d] = true
			depSt.waiters[k] = true
		}
	}

	if len(st.waitFor) == 0 {
		e.requeueLocked(ctx, frontier, k)
		return
	}
	st.status = statusWaiting
}

// findPath returns a path from `from` to `to` through the current waitFor
// graph, if one exists — i.e. whether `from` is (transitively) already
// waiting on `to`, which would make adding an edge to -> from a cycle.
// Caller must hold e.mu.
func (e *Evaluator) findPath(from, to key.Key) []key.Key {
	visited := map[key.Key]bool{from: true}
	queue := [][]key.Key{{from}}
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		cur := path[len(path)-1]
		if cur == to {
			return path
		}
		st, ok := e.state[cur]
		if !ok {
			continue
		}
		for d := range st.waitFor {
			if visited[d] {
				continue
			}
			visited[d] = true
			next := append(append([]key.Key(nil), path...), d)
			queue = append(queue, next)
		}
	}
	return nil
}

func (e *Evaluator) requeueLocked(ctx context.Context, frontier *Frontier, k key.Key) {
	e.seq++
	item := WorkItem{Key: k, OrderKey: ComputeOrderKey(k, e.seq), Attempt: e.state[k].attempt}
	go func() {
		if err := frontier.Enqueue(ctx, item); err != nil {
			e.recordFailureAsync(k, fmt.Errorf("evaluator: re-enqueue %s: %w", k, err))
		}
	}()
}

// finishValueLocked marks k resolved with value and wakes every waiter whose
// last blocking dependency was k. Caller must hold e.mu.
func (e *Evaluator) finishValueLocked(ctx context.Context, frontier *Frontier, k key.Key, value key.Value) {
	st := e.state[k]
	if st.status == statusDone || st.status == statusFailed {
		return
	}
	st.status = statusDone
	st.value = value
	e.pendingCount--

	if e.opts.Bus != nil {
		e.opts.Bus.Publish(bus.Event{Kind: bus.EvaluatorKeyCompleted, RunID: e.runID, Key: k.String()})
	}

	for waiter := range st.waiters {
		wst := e.state[waiter]
		if wst == nil || wst.status != statusWaiting {
			continue
		}
		delete(wst.waitFor, k)
		if len(wst.waitFor) == 0 {
			e.requeueLocked(ctx, frontier, waiter)
		}
	}
}

// finishFailedLocked marks k permanently failed and propagates the failure
// to every waiter (a key never gets re-invoked once a dependency it asked
// for has permanently failed). Caller must hold e.mu.
func (e *Evaluator) finishFailedLocked(k key.Key, err error) {
	st, ok := e.state[k]
	if !ok {
		e.state[k] = &nodeState{status: statusFailed, err: err, waiters: make(map[key.Key]bool)}
		e.pendingCount--
		st = e.state[k]
	} else {
		if st.status == statusDone || st.status == statusFailed {
			return
		}
		st.status = statusFailed
		st.err = err
		e.pendingCount--
	}

	if e.firstErr == nil {
		e.firstErr = err
		e.firstErrKey = k
	}
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(bus.Event{Kind: bus.EvaluatorKeyFailed, RunID: e.runID, Key: k.String(), Err: err})
	}

	for waiter := range st.waiters {
		e.finishFailedLocked(waiter, fmt.Errorf("evaluator: dependency %s failed: %w", k, err))
	}
}

func isMissingDeps(err error) bool {
	return asMissingDeps(err) != nil
}

func asMissingDeps(err error) *key.MissingDeps {
	var md key.MissingDeps
	if errors.As(err, &md) {
		return &md
	}
	return nil
}
