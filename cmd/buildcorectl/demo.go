package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arrowbuild/buildcore/internal/action"
	"github.com/arrowbuild/buildcore/internal/bus"
	"github.com/arrowbuild/buildcore/internal/evaluator"
	"github.com/arrowbuild/buildcore/internal/executor"
	"github.com/arrowbuild/buildcore/internal/key"
)

// demoGraph is a tiny, self-contained action graph: two "compile" actions
// read a source file each and concatenate it into an object file, then a
// "link" action concatenates both object files into a binary. It stands in
// for a real compiler/linker toolchain so the CLI can exercise the full
// evaluator/executor/cache path without depending on one being installed.
type demoGraph struct {
	root    string
	actions []action.Action
	owner   map[string]key.Key // output exec path -> generating action key
	byKey   map[key.Key]action.Action
}

func newDemoGraph(root string) (*demoGraph, error) {
	owner := key.ActionOwner{Label: "//demo:app", ConfigFingerprint: "host"}

	writeSource := func(name, content string) error {
		return os.WriteFile(filepath.Join(root, name), []byte(content), 0o644)
	}
	if err := writeSource("a.c", "int a(void) { return 1; }\n"); err != nil {
		return nil, err
	}
	if err := writeSource("b.c", "int b(void) { return 2; }\n"); err != nil {
		return nil, err
	}

	compile := func(idx int, src, obj string) action.Action {
		return action.Action{
			Owner:             owner,
			ActionIndex:       idx,
			Mnemonic:          "CC",
			Args:              []string{"/bin/sh", "-c", fmt.Sprintf("cp %s %s", src, obj)},
			PrimaryOutput:     action.Artifact{ExecPath: obj},
			MandatoryInputs:   []action.Artifact{{ExecPath: src, Source: true}},
			Hermetic:          true,
		}
	}
	cca := compile(0, "a.c", "a.o")
	ccb := compile(1, "b.c", "b.o")
	link := action.Action{
		Owner:           owner,
		ActionIndex:     2,
		Mnemonic:        "LD",
		Args:            []string{"/bin/sh", "-c", "cat a.o b.o > app"},
		PrimaryOutput:   action.Artifact{ExecPath: "app"},
		MandatoryInputs: []action.Artifact{{ExecPath: "a.o"}, {ExecPath: "b.o"}},
		Hermetic:        true,
	}

	g := &demoGraph{
		root:    root,
		actions: []action.Action{cca, ccb, link},
		owner:   map[string]key.Key{},
		byKey:   map[key.Key]action.Action{},
	}
	for _, a := range g.actions {
		g.byKey[a.Key()] = a
		for _, out := range a.AllOutputs() {
			g.owner[out.ExecPath] = a.Key()
		}
	}
	return g, nil
}

// rootKey is the artifact key clients ask the evaluator to produce.
func (g *demoGraph) rootKey() key.Key { return key.NewArtifactKey("app") }

// registry builds the evaluator's function registry: one Function for
// artifact keys (resolves to a content digest, depending on the generating
// action if there is one) and one for action-execution keys (runs the
// action through exec once its inputs are ready).
func (g *demoGraph) registry(exec *executor.Executor) evaluator.MapRegistry {
	artifactFn := key.FunctionFunc{
		IsHermetic: false,
		Fn:         g.computeArtifact,
	}
	actionFn := key.FunctionFunc{
		IsHermetic: true,
		Fn:         func(ctx context.Context, arg any, env key.Environment) (key.Value, error) { return g.computeAction(ctx, arg, env, exec) },
	}
	return evaluator.MapRegistry{
		key.ArtifactFunctionName: artifactFn,
		key.ActionFunctionName:   actionFn,
	}
}

func (g *demoGraph) computeArtifact(_ context.Context, arg any, env key.Environment) (key.Value, error) {
	a := arg.(key.ArtifactArg)

	if ownerKey, ok := g.owner[a.ExecPath]; ok {
		if _, ready := env.Get(ownerKey); !ready {
			return nil, key.MissingDeps{Keys: []key.Key{ownerKey}}
		}
	}

	full := filepath.Join(g.root, a.ExecPath)
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("demo: stat %s: %w", a.ExecPath, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("demo: read %s: %w", a.ExecPath, err)
	}
	sum := sha256.Sum256(data)
	return key.ArtifactValue{
		Digest:  hex.EncodeToString(sum[:]),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (g *demoGraph) computeAction(ctx context.Context, arg any, env key.Environment, exec *executor.Executor) (key.Value, error) {
	aa := arg.(key.ActionArg)
	act, ok := g.byKey[key.Key{FunctionName: key.ActionFunctionName, Argument: aa}]
	if !ok {
		return nil, fmt.Errorf("demo: no action registered for %+v", aa)
	}

	inputs := act.AllInputs()
	depKeys := make([]key.Key, len(inputs))
	for i, in := range inputs {
		depKeys[i] = key.NewArtifactKey(in.ExecPath)
	}
	ready := env.GetBatch(depKeys)
	if len(ready) < len(depKeys) {
		var missing []key.Key
		for _, d := range depKeys {
			if _, ok := ready[d]; !ok {
				missing = append(missing, d)
			}
		}
		return nil, key.MissingDeps{Keys: missing}
	}

	res, err := exec.Execute(ctx, act)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// attachLogEmitter subscribes a text-mode LogEmitter writing to stdout onto
// b with concurrent delivery; callers Flush and Close b after the build
// finishes.
func attachLogEmitter(b *bus.Bus) {
	b.Subscribe(bus.NewLogEmitter(os.Stdout, false), true)
}
