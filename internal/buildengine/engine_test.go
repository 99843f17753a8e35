package buildengine

import (
	"context"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowbuild/buildcore/internal/action"
	"github.com/arrowbuild/buildcore/internal/bus"
	"github.com/arrowbuild/buildcore/internal/key"
)

// Tests build against prometheus.NewRegistry() rather than the default
// registerer, matching Options.MetricsRegistry's own doc comment: the
// package default would panic on duplicate registration across these
// independently-constructed Engines.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := Options{Root: t.TempDir(), MetricsRegistry: prometheus.NewRegistry()}
	e, err := New(base, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_DefaultsToInMemoryStoreAndFileCache(t *testing.T) {
	e := newTestEngine(t)
	assert.NotNil(t, e.Store)
	assert.NotNil(t, e.Cache)
	assert.NotNil(t, e.Executor)
	assert.NotNil(t, e.CritPath)
	assert.NotNil(t, e.Metrics)
}

func TestNew_WorkerCountDefaultsToNumCPU(t *testing.T) {
	base := Options{Root: t.TempDir(), MetricsRegistry: prometheus.NewRegistry()}
	e, err := New(base)
	require.NoError(t, err)
	defer e.Close()

	ev := e.NewEvaluator(nil)
	assert.NotNil(t, ev)
	assert.Equal(t, runtime.NumCPU(), e.opts.WorkerCount)
}

func TestNew_BoltCacheBackend(t *testing.T) {
	e := newTestEngine(t, WithActionCacheBackend(CacheBackendBolt))
	assert.NotNil(t, e.Cache)
}

func TestNew_SQLiteCacheBackend(t *testing.T) {
	e := newTestEngine(t, WithActionCacheBackend(CacheBackendSQLite))
	assert.NotNil(t, e.Cache)
}

// fakeGraph is a minimal rewind.Graph double, local to this package since
// internal/rewind's own fakeGraph is unexported test scaffolding.
type fakeGraph struct {
	byOutput map[string]action.Action
}

func (g *fakeGraph) ActionFor(a action.Artifact) (action.Action, bool) {
	act, ok := g.byOutput[a.ExecPath]
	return act, ok
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

func TestEngine_RewindDisabledByDefault(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Rewind(&fakeGraph{}, action.Action{}, nil)
	assert.Error(t, err)
}

func TestEngine_RewindPublishesEventWhenEnabled(t *testing.T) {
	b := bus.New()
	e := newTestEngine(t, WithRewindEnabled(true), WithBus(b))

	var received []bus.Event
	b.Subscribe(recorderEmitter(func(ev bus.Event) { received = append(received, ev) }), false)

	compile := action.Action{
		Owner:         key.ActionOwner{Label: "//pkg:a"},
		Mnemonic:      "CC",
		PrimaryOutput: action.Artifact{ExecPath: "a.o"},
		MandatoryInputs: []action.Artifact{
			{ExecPath: "a.c", Source: true},
		},
	}
	link := action.Action{
		Owner:           key.ActionOwner{Label: "//pkg:link"},
		Mnemonic:        "LD",
		PrimaryOutput:   action.Artifact{ExecPath: "app"},
		MandatoryInputs: []action.Artifact{{ExecPath: "a.o"}},
	}
	g := &fakeGraph{byOutput: map[string]action.Action{"a.o": compile, "app": link}}

	plan, err := e.Rewind(g, link, []action.Artifact{{ExecPath: "a.o"}})
	require.NoError(t, err)
	assert.False(t, plan.SelfOnly)
	assert.NotEmpty(t, plan.ActionsToRerun)

	require.Len(t, received, 1)
	assert.Equal(t, bus.RewindPlanned, received[0].Kind)
}

// recorderEmitter adapts a plain func into a bus.Emitter for test assertions.
type recorderEmitter func(bus.Event)

func (r recorderEmitter) Emit(ev bus.Event)                               { r(ev) }
func (r recorderEmitter) EmitBatch(_ context.Context, evs []bus.Event) error {
	for _, ev := range evs {
		r(ev)
	}
	return nil
}
func (r recorderEmitter) Flush(context.Context) error { return nil }
