// Package action defines the action data model executed by internal/executor
// and cached by internal/actioncache: an Action is an opaque subprocess
// invocation plus the artifacts it reads and writes.
package action

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arrowbuild/buildcore/internal/key"
)

// ArtifactKind distinguishes a plain file artifact from a tree artifact
// (a directory whose contents are only known after the action runs) and
// from a runfiles/middleman aggregation artifact. The executor runs,
// validates and digests a RunfilesArtifact output like any other output; it
// does not skip execution when the members are unchanged.
type ArtifactKind int

const (
	FileArtifact ArtifactKind = iota
	TreeArtifact
	// RunfilesArtifact aggregates other artifacts (a symlink forest or
	// manifest) without producing new content of its own; the rewind
	// planner treats it as one of the aggregation kinds it must search
	// through rather than stop at.
	RunfilesArtifact
)

// Artifact is a file-like build output or input, identified by its exec
// path (a path relative to the build's output root, unique within a build).
type Artifact struct {
	ExecPath string
	Kind     ArtifactKind
	// Source marks an artifact that is a build input checked into version
	// control rather than produced by any action — the rewind planner's
	// short-circuit case.
	Source bool
	// Members lists the constituent artifacts of a RunfilesArtifact, in a
	// fixed order: two runfiles artifacts are compared by this ordered
	// sequence of exec paths, never by identity, and duplicate exec paths
	// within one Members list are rejected by Action.Validate.
	Members []Artifact
}

func (a Artifact) Key() key.Key { return key.NewArtifactKey(a.ExecPath) }

// Action is one opaque subprocess invocation: a command line plus the
// artifacts it declares as inputs and outputs. Two Actions registered by
// different owners that are otherwise identical (shareable) are equal under
// the shareable-action-equality invariant when EqualShareable reports true.
type Action struct {
	Owner       key.ActionOwner
	ActionIndex int

	Mnemonic string
	Args     []string
	Env      map[string]string

	// PrimaryOutput is the artifact this action is keyed by for single-flight
	// execution: two actions racing to produce the same primary output are
	// coalesced into one execution.
	PrimaryOutput Artifact
	// AdditionalOutputs are produced alongside PrimaryOutput by the same
	// invocation.
	AdditionalOutputs []Artifact

	// MandatoryInputs must exist (and be up to date) before the action runs.
	MandatoryInputs []Artifact
	// DiscoverableInputs are only known once the action has started or
	// completed (e.g. a compiler's discovered header dependencies); the
	// rewind planner treats them like mandatory inputs once discovered.
	DiscoverableInputs []Artifact

	// ExecutionRequirements are opaque platform/sandboxing hints, e.g.
	// {"no-sandbox": "1"}.
	ExecutionRequirements map[string]string

	// Hermetic marks an action whose output is a pure function of its
	// declared inputs and command line; non-hermetic actions are never
	// shared across owners and are always re-executed.
	Hermetic bool

	// InputPropagationInsensitive marks an action the rewind planner can
	// expand through transitively when searching for a lost input's
	// producer, because this action passes its own inputs through to its
	// outputs without being sensitive to which specific input changed.
	InputPropagationInsensitive bool
}

func (a Action) Key() key.Key { return key.NewActionKey(a.Owner, a.ActionIndex) }

// AllOutputs returns PrimaryOutput followed by AdditionalOutputs.
func (a Action) AllOutputs() []Artifact {
	out := make([]Artifact, 0, 1+len(a.AdditionalOutputs))
	out = append(out, a.PrimaryOutput)
	out = append(out, a.AdditionalOutputs...)
	return out
}

// AllInputs returns MandatoryInputs followed by DiscoverableInputs.
func (a Action) AllInputs() []Artifact {
	out := make([]Artifact, 0, len(a.MandatoryInputs)+len(a.DiscoverableInputs))
	out = append(out, a.MandatoryInputs...)
	out = append(out, a.DiscoverableInputs...)
	return out
}

// Validate checks the structural invariants an action must satisfy: a
// runfiles artifact's Members must not repeat an exec path (the
// duplicate-free ordered sequence is this codebase's chosen resolution of
// the runfiles-equality question — see DESIGN.md), and every action must
// declare a primary output.
func (a Action) Validate() error {
	if a.PrimaryOutput.ExecPath == "" {
		return fmt.Errorf("action: %s: primary output must have a non-empty exec path", a.Mnemonic)
	}
	for _, out := range a.AllOutputs() {
		if out.Kind == RunfilesArtifact {
			if err := validateRunfilesMembers(out); err != nil {
				return fmt.Errorf("action: %s: output %s: %w", a.Mnemonic, out.ExecPath, err)
			}
		}
	}
	return nil
}

func validateRunfilesMembers(a Artifact) error {
	seen := make(map[string]bool, len(a.Members))
	for _, m := range a.Members {
		if seen[m.ExecPath] {
			return fmt.Errorf("duplicate member exec path %q in runfiles artifact", m.ExecPath)
		}
		seen[m.ExecPath] = true
	}
	return nil
}

// EqualShareable reports whether a and b are the same shareable action:
// same mnemonic, args, env, execution requirements, and output/input exec
// paths, regardless of which owner registered them. Two actions registered
// by different configurations that are otherwise identical are shareable
// and execute only once.
func (a Action) EqualShareable(b Action) bool {
	if !a.Hermetic || !b.Hermetic {
		return false
	}
	if a.Mnemonic != b.Mnemonic || !stringsEqual(a.Args, b.Args) {
		return false
	}
	if !mapsEqual(a.Env, b.Env) || !mapsEqual(a.ExecutionRequirements, b.ExecutionRequirements) {
		return false
	}
	if a.PrimaryOutput.ExecPath != b.PrimaryOutput.ExecPath {
		return false
	}
	return execPathsEqual(a.AllOutputs(), b.AllOutputs()) && execPathsEqual(a.AllInputs(), b.AllInputs())
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func execPathsEqual(a, b []Artifact) bool {
	if len(a) != len(b) {
		return false
	}
	ap := make([]string, len(a))
	bp := make([]string, len(b))
	for i := range a {
		ap[i] = a[i].ExecPath
		bp[i] = b[i].ExecPath
	}
	sort.Strings(ap)
	sort.Strings(bp)
	return strings.Join(ap, "\x00") == strings.Join(bp, "\x00")
}

// LocalOnly reports whether a's execution-requirements forbid remote or
// sandboxed execution ("no-remote" or "requires-network" set to a truthy
// value), the scheduling hint a remote-execution collaborator outside this
// module's scope can honor without buildcore depending on remote execution
// itself.
func (a Action) LocalOnly() bool {
	for _, k := range []string{"no-remote", "requires-network"} {
		if v, ok := a.ExecutionRequirements[k]; ok && v != "" && v != "0" && v != "false" {
			return true
		}
	}
	return false
}

// Share copies the produced-output digests of src onto dst's declared
// outputs when src and dst are EqualShareable: a second owner that
// registers an action identical to one already executed reuses its result
// rather than re-running. digests maps src's exec paths to their content
// digests (as produced by the executor). The returned map is keyed by
// dst's exec paths.
func Share(src, dst Action, digests map[string]string) (map[string]string, bool) {
	if !src.EqualShareable(dst) {
		return nil, false
	}
	srcOutputs := src.AllOutputs()
	dstOutputs := dst.AllOutputs()
	if len(srcOutputs) != len(dstOutputs) {
		return nil, false
	}

	out := make(map[string]string, len(dstOutputs))
	for i, so := range srcOutputs {
		d, ok := digests[so.ExecPath]
		if !ok {
			return nil, false
		}
		out[dstOutputs[i].ExecPath] = d
	}
	return out, true
}

// DetectOutputPrefixConflict reports the first pair of output exec paths
// where one is a path-prefix of the other (e.g. "out/lib" and
// "out/lib/data.txt" both declared as outputs). Overlapping output
// directories like this can't be prepared safely by the execution layer.
func DetectOutputPrefixConflict(actions []Action) (a, b Artifact, conflict bool) {
	var paths []Artifact
	for _, act := range actions {
		paths = append(paths, act.AllOutputs()...)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].ExecPath < paths[j].ExecPath })

	for i := 1; i < len(paths); i++ {
		cur := paths[i]
		for j := i - 1; j >= 0; j-- {
			prev := paths[j]
			if prev.ExecPath == cur.ExecPath {
				continue
			}
			if strings.HasPrefix(cur.ExecPath, prev.ExecPath+"/") {
				return prev, cur, true
			}
		}
	}
	return Artifact{}, Artifact{}, false
}
