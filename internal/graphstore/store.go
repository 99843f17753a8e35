package graphstore

import (
	"context"
	"errors"

	"github.com/arrowbuild/buildcore/internal/key"
)

// ErrNotFound is returned when a requested key has no Node recorded yet.
var ErrNotFound = errors.New("graphstore: key not found")

// Store persists Nodes across builds: graph nodes survive from one build to
// the next unless explicitly discarded.
//
// Implementations must give concurrent readers access to a node's value
// while serializing writers per key: writers take per-node exclusive locks
// in key order to avoid deadlock. Reverse-dependency edges are maintained
// atomically alongside forward edges so that dirty propagation
// (MarkExternalChange) never observes a forward edge without its
// corresponding reverse edge.
type Store interface {
	// Get returns the current Node for k, or ErrNotFound.
	Get(ctx context.Context, k key.Key) (Node, error)

	// Put records a freshly computed (or re-checked) Node for k, along with
	// its direct dependencies, and updates reverse-dependency edges for
	// every key in deps to include k.
	Put(ctx context.Context, k key.Key, n Node) error

	// ReverseDeps returns the keys that declared k as a direct dependency
	// the last time they were computed.
	ReverseDeps(ctx context.Context, k key.Key) ([]key.Key, error)

	// MarkExternalChange marks a non-hermetic source key NeedsRebuild and
	// transitively marks every reverse dependency CheckDependencies,
	// stamping buildVersion as CheckedAt along the way. It returns the full
	// set of keys touched, for test assertions about the determinism of
	// dirty propagation.
	MarkExternalChange(ctx context.Context, k key.Key, buildVersion int64) ([]key.Key, error)

	// NextBuildVersion allocates and returns the next monotonically
	// increasing build version.
	NextBuildVersion(ctx context.Context) (int64, error)

	// Discard removes a Node's record entirely, used when a key is known
	// to no longer be part of any live graph (e.g. a deleted action).
	Discard(ctx context.Context, k key.Key) error

	Close() error
}

// propagateCheckDependencies performs a breadth-first walk of the
// reverse-dependency relation starting at seed, marking every node it
// visits CheckDependencies (unless already NeedsRebuild, which is a
// stronger state). visited/rdeps/apply are backend-agnostic so every Store
// implementation gets identical, deterministic propagation order
// regardless of worker count, since propagation here is single-threaded
// per build.
func propagateCheckDependencies(
	seed key.Key,
	rdeps func(key.Key) []key.Key,
	apply func(key.Key, DirtyState),
) []key.Key {
	visited := map[key.Key]bool{seed: true}
	touched := []key.Key{seed}
	queue := []key.Key{seed}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, r := range rdeps(cur) {
			if visited[r] {
				continue
			}
			visited[r] = true
			touched = append(touched, r)
			apply(r, CheckDependencies)
			queue = append(queue, r)
		}
	}
	return touched
}
