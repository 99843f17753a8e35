// Package graphstore persists the incremental evaluator's dependency graph
// across builds: for each key, the last computed value, its direct
// dependencies in consumption order, the build versions at which it was
// computed/checked, and a dirty state.
package graphstore

import "github.com/arrowbuild/buildcore/internal/key"

// DirtyState classifies how stale a Node's value might be relative to the
// current build version.
type DirtyState int

const (
	// Clean means the node's value is known to still be correct at the
	// current build version; it can be reused without recomputation.
	Clean DirtyState = iota
	// CheckDependencies means an external change was observed upstream and
	// propagated here, but none of this node's direct dependencies are
	// known to have actually changed value yet — re-evaluation only
	// happens if a dependency check finds a real change.
	CheckDependencies
	// NeedsRebuild means the node (or a direct external input it reads
	// non-hermetically) is known to have changed and must be recomputed.
	NeedsRebuild
)

// Node is the graph store's record for one key.
type Node struct {
	Value Value
	// Deps lists direct dependency keys in the order Compute requested
	// them. The evaluator records this order; it does not compare it with
	// the Deps of an earlier computation.
	Deps []key.Key
	// ComputedAt is the build version at which Value was last produced by
	// actually invoking the function.
	ComputedAt int64
	// CheckedAt is the build version at which this node was last visited,
	// whether or not it was recomputed.
	CheckedAt int64
	Dirty     DirtyState
	// Err holds an error recorded for this node, if any. The evaluator only
	// writes successfully computed nodes and never sets Err, so no error,
	// Persistent or otherwise, is carried into the next build.
	Err error
}

// Value is the graph store's value envelope. It is an alias of key.Value so
// store backends do not need to import key for every call site.
type Value = key.Value

// Clone returns a shallow copy of the Node safe to hand to a reader without
// risking a data race on subsequent writer mutation of Deps.
func (n Node) Clone() Node {
	out := n
	out.Deps = append([]key.Key(nil), n.Deps...)
	return out
}
