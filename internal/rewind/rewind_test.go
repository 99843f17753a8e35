package rewind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowbuild/buildcore/internal/action"
	"github.com/arrowbuild/buildcore/internal/key"
)

// fakeGraph is a minimal in-memory rewind.Graph built from a fixed set of
// actions, keyed by the exec path of their primary output.
type fakeGraph struct {
	byOutput map[string]action.Action
}

func newFakeGraph(actions ...action.Action) *fakeGraph {
	g := &fakeGraph{byOutput: map[string]action.Action{}}
	for _, a := range actions {
		g.byOutput[a.PrimaryOutput.ExecPath] = a
	}
	return g
}

func (g *fakeGraph) ActionFor(artifact action.Artifact) (action.Action, bool) {
	a, ok := g.byOutput[artifact.ExecPath]
	return a, ok
}

func (g *fakeGraph) DirectDepActions(of action.Action) []action.Action {
	var deps []action.Action
	for _, in := range of.AllInputs() {
		if a, ok := g.ActionFor(in); ok {
			deps = append(deps, a)
		}
	}
	return deps
}

func owner(label string) key.ActionOwner { return key.ActionOwner{Label: label} }

func TestPlan_SourceInputLost(t *testing.T) {
	failed := action.Action{
		Owner:         owner("//pkg:link"),
		Mnemonic:      "LD",
		PrimaryOutput: action.Artifact{ExecPath: "app"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "a.o", Source: true},
		},
	}
	g := newFakeGraph(failed)

	_, err := Plan(g, failed, []action.Artifact{{ExecPath: "a.o", Source: true}})
	require.Error(t, err)
	var lostErr *ErrSourceInputLost
	assert.ErrorAs(t, err, &lostErr)
}

func TestPlan_DirectDependencyRewind(t *testing.T) {
	compile := action.Action{
		Owner:         owner("//pkg:a"),
		Mnemonic:      "CC",
		PrimaryOutput: action.Artifact{ExecPath: "a.o"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "a.c", Source: true},
		},
	}
	link := action.Action{
		Owner:         owner("//pkg:link"),
		Mnemonic:      "LD",
		PrimaryOutput: action.Artifact{ExecPath: "app"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "a.o"},
		},
	}
	g := newFakeGraph(compile, link)

	plan, err := Plan(g, link, []action.Artifact{{ExecPath: "a.o"}})
	require.NoError(t, err)
	assert.False(t, plan.SelfOnly)
	require.Len(t, plan.ActionsToRerun, 1)
	assert.Equal(t, "CC", plan.ActionsToRerun[0].Mnemonic)
	assert.Contains(t, plan.NodesToRestart, compile.Key())
	assert.Contains(t, plan.NodesToRestart, compile.PrimaryOutput.Key())
}

func TestPlan_SelfOnlyWhenNoOwningDep(t *testing.T) {
	// scratch is a real action in the graph (so the lost artifact has a
	// known generator), but it is not reachable through failed's own
	// declared inputs — the "regenerate it myself" case.
	scratch := action.Action{
		Owner:         owner("//pkg:scratch"),
		Mnemonic:      "Scratch",
		PrimaryOutput: action.Artifact{ExecPath: "gen/scratch.tmp"},
	}
	failed := action.Action{
		Owner:         owner("//pkg:gen"),
		Mnemonic:      "Gen",
		PrimaryOutput: action.Artifact{ExecPath: "gen/out.txt"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "gen/unrelated.txt", Source: true},
		},
	}
	g := newFakeGraph(scratch, failed)

	plan, err := Plan(g, failed, []action.Artifact{{ExecPath: "gen/scratch.tmp"}})
	require.NoError(t, err)
	assert.True(t, plan.SelfOnly)
	assert.Equal(t, []key.Key{failed.Key()}, plan.NodesToRestart)
	assert.Equal(t, []action.Action{failed}, plan.ActionsToRerun)
}

func TestPlan_TransitiveExpansionThroughInsensitiveAction(t *testing.T) {
	root := action.Action{
		Owner:         owner("//pkg:root"),
		Mnemonic:      "Fetch",
		PrimaryOutput: action.Artifact{ExecPath: "root.bin"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "root.src", Source: true},
		},
	}
	repack := action.Action{
		Owner:                       owner("//pkg:repack"),
		Mnemonic:                    "Repack",
		PrimaryOutput:               action.Artifact{ExecPath: "repacked.bin"},
		MandatoryInputs:             []action.Artifact{{ExecPath: "root.bin"}},
		InputPropagationInsensitive: true,
	}
	consumer := action.Action{
		Owner:         owner("//pkg:use"),
		Mnemonic:      "Use",
		PrimaryOutput: action.Artifact{ExecPath: "final.bin"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "repacked.bin"},
		},
	}
	g := newFakeGraph(root, repack, consumer)

	plan, err := Plan(g, consumer, []action.Artifact{{ExecPath: "repacked.bin"}})
	require.NoError(t, err)
	assert.False(t, plan.SelfOnly)

	rerunMnemonics := map[string]bool{}
	for _, a := range plan.ActionsToRerun {
		rerunMnemonics[a.Mnemonic] = true
	}
	assert.True(t, rerunMnemonics["Repack"])
	assert.True(t, rerunMnemonics["Fetch"], "insensitively-propagating Repack should pull in its own upstream generator")
}
