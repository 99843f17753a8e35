// Package rewind implements the lost-input rewind planner: when an action
// reports that an input it depended on went missing mid-build (typically a
// remote cache eviction), the planner identifies the minimal set of
// upstream actions to re-execute rather than failing the whole build.
package rewind

import (
	"fmt"

	"github.com/arrowbuild/buildcore/internal/action"
	"github.com/arrowbuild/buildcore/internal/key"
)

// ErrSourceInputLost means a lost input is a checked-in source artifact, not
// produced by any action — rewinding cannot regenerate it, so the build
// must fail.
type ErrSourceInputLost struct {
	Artifact action.Artifact
}

func (e *ErrSourceInputLost) Error() string {
	return fmt.Sprintf("rewind: lost input %s is a source artifact; rewinding cannot recover it", e.Artifact.ExecPath)
}

// Plan is what the planner hands to the evaluator and executor: the graph
// keys to invalidate in place, and the generating actions whose
// in-flight-future entries must be removed so the next evaluation
// re-executes them.
type Plan struct {
	NodesToRestart []key.Key
	ActionsToRerun []action.Action
	// SelfOnly marks a plan where no dependency's subtree produced the lost
	// input — the action that reported the loss must regenerate it itself
	// via a sequence of sub-spawns.
	SelfOnly bool
}

// Graph is the planner's view of the build graph: enough to find the action
// that generates an artifact and an action's direct dependency actions.
// Which artifacts an output covers (nested tree/runfiles aggregation) is
// read from the artifacts' own Members, not from Graph.
type Graph interface {
	// ActionFor returns the action that generates artifact, or ok=false if
	// artifact is a source artifact with no generator.
	ActionFor(artifact action.Artifact) (act action.Action, ok bool)
	// DirectDepActions returns the actions that produced of's direct
	// dependency artifacts.
	DirectDepActions(of action.Action) []action.Action
}

// Plan computes the rewind plan for one failed action that reported lost.
func Plan(g Graph, failed action.Action, lost []action.Artifact) (Plan, error) {
	restart := map[key.Key]bool{}
	rerun := map[key.Key]action.Action{}

	for _, li := range lost {
		if li.Source {
			return Plan{}, &ErrSourceInputLost{Artifact: li}
		}

		gen, ok := g.ActionFor(li)
		if !ok {
			return Plan{}, &ErrSourceInputLost{Artifact: li}
		}

		dep, found := findOwningDep(g, failed, li)
		if !found {
			return Plan{SelfOnly: true, NodesToRestart: []key.Key{failed.Key()}, ActionsToRerun: []action.Action{failed}}, nil
		}

		addGenerator(g, dep, gen, restart, rerun)
	}

	actions := make([]action.Action, 0, len(rerun))
	for _, a := range rerun {
		actions = append(actions, a)
	}
	keys := make([]key.Key, 0, len(restart))
	for k := range restart {
		keys = append(keys, k)
	}
	return Plan{NodesToRestart: keys, ActionsToRerun: actions}, nil
}

// findOwningDep finds the direct dependency of failed whose subtree
// contains lost — directly, inside a tree artifact, through a runfiles
// aggregation, or one level deeper through an aggregation of an
// aggregation.
func findOwningDep(g Graph, failed action.Action, lost action.Artifact) (action.Artifact, bool) {
	for _, dep := range failed.AllInputs() {
		if containsArtifact(dep, lost, 2) {
			return dep, true
		}
	}
	return action.Artifact{}, false
}

// containsArtifact reports whether target's exec path appears in root's
// subtree, descending through tree/runfiles aggregations up to maxDepth
// levels — one level deeper through an aggregation of an aggregation,
// i.e. depth 2.
func containsArtifact(root action.Artifact, target action.Artifact, maxDepth int) bool {
	if root.ExecPath == target.ExecPath {
		return true
	}
	if maxDepth <= 0 {
		return false
	}
	for _, m := range root.Members {
		if containsArtifact(m, target, maxDepth-1) {
			return true
		}
	}
	return false
}

// addGenerator records dep's artifact key and its generating action(s) into
// the plan, then — if gen insensitively propagates its inputs — recursively
// adds every non-source input of gen and their own generators.
func addGenerator(g Graph, dep action.Artifact, gen action.Action, restart map[key.Key]bool, rerun map[key.Key]action.Action) {
	restart[dep.Key()] = true
	restart[gen.Key()] = true
	rerun[gen.Key()] = gen

	if !gen.InputPropagationInsensitive {
		return
	}
	for _, in := range gen.AllInputs() {
		if in.Source {
			continue
		}
		if upstream, ok := g.ActionFor(in); ok {
			if _, already := rerun[upstream.Key()]; already {
				continue
			}
			addGenerator(g, in, upstream, restart, rerun)
		}
	}
}
