package evaluator

import (
	"github.com/arrowbuild/buildcore/internal/key"
)

// callEnv implements key.Environment for one Compute invocation. It records
// every key requested, in order, onto requested — becoming the Node.Deps
// list the evaluator persists on success, and the list consulted by
// MissingDeps handling.
type callEnv struct {
	eval      *Evaluator
	owner     key.Key
	requested []key.Key
}

func newCallEnv(eval *Evaluator, owner key.Key) *callEnv {
	return &callEnv{eval: eval, owner: owner}
}

func (e *callEnv) Get(k key.Key) (key.Value, bool) {
	e.requested = append(e.requested, k)

	e.eval.mu.Lock()
	defer e.eval.mu.Unlock()

	st, ok := e.eval.state[k]
	if !ok || st.status != statusDone {
		return nil, false
	}
	return st.value, true
}

func (e *callEnv) GetOrThrow(k key.Key, errClass key.ErrorClass) (key.Value, error) {
	v, ok := e.Get(k)
	if ok {
		return v, nil
	}

	e.eval.mu.Lock()
	st, exists := e.eval.state[k]
	e.eval.mu.Unlock()

	if exists && st.status == statusFailed {
		return nil, &key.ClassifiedError{Err: st.err, Class: errClass}
	}
	return nil, key.MissingDeps{Keys: []key.Key{k}}
}

func (e *callEnv) GetBatch(keys []key.Key) map[key.Key]key.Value {
	out := make(map[key.Key]key.Value, len(keys))
	for _, k := range keys {
		if v, ok := e.Get(k); ok {
			out[k] = v
		}
	}
	return out
}
