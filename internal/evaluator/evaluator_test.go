package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arrowbuild/buildcore/internal/graphstore"
	"github.com/arrowbuild/buildcore/internal/key"
)

// TestMain verifies the worker pool and its errgroup leave no goroutines
// running past Evaluate's return, across every test in this file.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	fnConst  = "const"
	fnDouble = "double"
)

func constKey(n int) key.Key  { return key.Key{FunctionName: fnConst, Argument: n} }
func doubleKey(n int) key.Key { return key.Key{FunctionName: fnDouble, Argument: n} }

// constFunction resolves constKey(n) directly to n, with no dependencies.
func constFunction() key.Function {
	return key.FunctionFunc{
		IsHermetic: true,
		Fn: func(_ context.Context, arg any, _ key.Environment) (key.Value, error) {
			return arg.(int), nil
		},
	}
}

// doubleFunction resolves doubleKey(n) by reading constKey(n) and doubling
// it, requesting the dependency via env.Get and returning MissingDeps the
// first time it isn't ready yet.
func doubleFunction() key.Function {
	return key.FunctionFunc{
		IsHermetic: true,
		Fn: func(_ context.Context, arg any, env key.Environment) (key.Value, error) {
			n := arg.(int)
			v, ok := env.Get(constKey(n))
			if !ok {
				return nil, key.MissingDeps{Keys: []key.Key{constKey(n)}}
			}
			return v.(int) * 2, nil
		},
	}
}

func newTestEvaluator(t *testing.T) (*Evaluator, graphstore.Store) {
	t.Helper()
	store := graphstore.NewMemStore()
	registry := MapRegistry{
		fnConst:  constFunction(),
		fnDouble: doubleFunction(),
	}
	return New(store, registry, Options{Workers: 4}), store
}

func TestEvaluate_ResolvesDependencyChain(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	values, err := ev.Evaluate(context.Background(), 1, []key.Key{doubleKey(21)})
	require.NoError(t, err)
	assert.Equal(t, 42, values[doubleKey(21)])
	assert.Equal(t, 21, values[constKey(21)])
}

func TestEvaluate_ReusesCleanNodeAcrossBuilds(t *testing.T) {
	store := graphstore.NewMemStore()
	calls := 0
	registry := MapRegistry{
		fnConst: key.FunctionFunc{
			IsHermetic: true,
			Fn: func(_ context.Context, arg any, _ key.Environment) (key.Value, error) {
				calls++
				return arg.(int), nil
			},
		},
	}

	ev1 := New(store, registry, Options{Workers: 2})
	_, err := ev1.Evaluate(context.Background(), 1, []key.Key{constKey(7)})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	ev2 := New(store, registry, Options{Workers: 2})
	values, err := ev2.Evaluate(context.Background(), 2, []key.Key{constKey(7)})
	require.NoError(t, err)
	assert.Equal(t, 7, values[constKey(7)])
	assert.Equal(t, 1, calls, "a Clean node from a prior build must not be recomputed")
}

func TestEvaluate_NoRegisteredFunctionFails(t *testing.T) {
	store := graphstore.NewMemStore()
	ev := New(store, MapRegistry{}, Options{Workers: 2})

	_, err := ev.Evaluate(context.Background(), 1, []key.Key{constKey(1)})
	assert.Error(t, err)
}

func TestEvaluate_CycleDetected(t *testing.T) {
	store := graphstore.NewMemStore()
	registry := MapRegistry{
		"cyclic": key.FunctionFunc{
			IsHermetic: true,
			Fn: func(_ context.Context, arg any, env key.Environment) (key.Value, error) {
				n := arg.(int)
				_, ok := env.Get(key.Key{FunctionName: "cyclic", Argument: n + 1 - n - 1 + n}) // self-referential
				if !ok {
					return nil, key.MissingDeps{Keys: []key.Key{{FunctionName: "cyclic", Argument: n}}}
				}
				return n, nil
			},
		},
	}
	ev := New(store, registry, Options{Workers: 2, MaxRestartsPerKey: 5})

	root := key.Key{FunctionName: "cyclic", Argument: 1}
	_, err := ev.Evaluate(context.Background(), 1, []key.Key{root})
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}
