// Package critpath implements the critical-path tracker: per-action timing
// components whose longest dependency chain is reconstructed at build end.
package critpath

import (
	"sync"
	"time"

	"github.com/arrowbuild/buildcore/internal/bus"
)

// Component is one action's timing record: when it started and finished,
// and which child (dependency) contributed the longest aggregated elapsed
// time beneath it.
type Component struct {
	Key               string
	Mnemonic          string
	StartNanos        int64
	FinishNanos       int64
	Elapsed           time.Duration
	AggregatedElapsed time.Duration
	// LongestChild is the key of the dependency component whose
	// AggregatedElapsed was the largest among this component's
	// dependencies, or "" if this component has none.
	LongestChild string
}

// Tracker accumulates Components across a build and reconstructs the
// critical path at the end. A build runs one Tracker.
//
// Updates are synchronized per component: when a shared action finishes a
// second time (two owners sharing one executed action), the tracker keeps
// the greater Elapsed and recomputes AggregatedElapsed. The tracker does
// not attempt to pick the semantically "right" completion among racing
// finishes, only the one with the larger elapsed time, so
// AggregatedElapsed can be a slight overestimate when two owners race to
// finish a shared action. That imprecision is accepted as-is (see
// DESIGN.md).
type Tracker struct {
	mu         sync.Mutex
	components map[string]*Component
}

func New() *Tracker {
	return &Tracker{components: make(map[string]*Component)}
}

// Start records that the action identified by key began executing at
// startNanos.
func (t *Tracker) Start(key, mnemonic string, startNanos int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.components[key]; ok {
		return
	}
	t.components[key] = &Component{Key: key, Mnemonic: mnemonic, StartNanos: startNanos}
}

// Finish records completion at finishNanos and aggregates over deps — the
// keys of the components this action depended on, which must already have
// been Finish'd (the evaluator only invokes a function once its
// dependencies resolve, so their components are necessarily complete
// first).
func (t *Tracker) Finish(key string, finishNanos int64, deps []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.components[key]
	if !ok {
		c = &Component{Key: key, StartNanos: finishNanos}
		t.components[key] = c
	}

	elapsed := time.Duration(finishNanos - c.StartNanos)
	if c.FinishNanos != 0 && c.Elapsed >= elapsed {
		// A prior finish already recorded a greater-or-equal elapsed time;
		// keep it.
		return
	}
	c.FinishNanos = finishNanos
	c.Elapsed = elapsed

	var longestChild string
	var longestAgg time.Duration
	for _, depKey := range deps {
		dep, ok := t.components[depKey]
		if !ok {
			continue
		}
		if dep.AggregatedElapsed >= longestAgg {
			longestAgg = dep.AggregatedElapsed
			longestChild = depKey
		}
	}
	c.LongestChild = longestChild
	c.AggregatedElapsed = elapsed + longestAgg
}

// CriticalPath traverses from the component with the greatest
// AggregatedElapsed back through the chain of chosen children, returning
// the path in execution order: the earliest action first, the one with the
// greatest AggregatedElapsed last.
func (t *Tracker) CriticalPath() []Component {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tail *Component
	for _, c := range t.components {
		if tail == nil || c.AggregatedElapsed > tail.AggregatedElapsed {
			tail = c
		}
	}
	if tail == nil {
		return nil
	}

	var chain []Component
	cur := tail
	for cur != nil {
		chain = append(chain, *cur)
		if cur.LongestChild == "" {
			break
		}
		cur = t.components[cur.LongestChild]
	}

	// Reverse into execution order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// EmitSummary publishes the CriticalPath event onto b, carrying the ordered
// chain and its total duration, at build end. A no-op if b is nil or the
// tracker recorded nothing.
func (t *Tracker) EmitSummary(b *bus.Bus) {
	if b == nil {
		return
	}
	chain := t.CriticalPath()
	if len(chain) == 0 {
		return
	}

	keys := make([]string, len(chain))
	for i, c := range chain {
		keys[i] = c.Key
	}
	b.Publish(bus.Event{
		Kind:       bus.CriticalPath,
		DurationMS: chain[len(chain)-1].AggregatedElapsed.Milliseconds(),
		Meta:       map[string]any{"path": keys},
	})
}
