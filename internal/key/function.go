package key

import "context"

// Environment is the set of primitives a Function uses to request the
// values of its dependencies. All three return immediately;
// get/getBatch signal "not ready yet" by returning ok=false rather than
// blocking, so a Function that sees ok=false must itself return
// MissingDeps and expects to be re-invoked once those keys are computed.
type Environment interface {
	// Get returns the value for key if already computed this build, and
	// records the request as a direct dependency of the calling node either
	// way.
	Get(k Key) (v Value, ok bool)

	// GetOrThrow is like Get but the caller asserts the dependency must
	// already be an error-classified failure class errClass if absent;
	// callers that only care about presence should use Get.
	GetOrThrow(k Key, errClass ErrorClass) (v Value, err error)

	// GetBatch resolves several keys at once. Any key not yet ready is
	// simply omitted from the returned map; the caller must treat a
	// shorter-than-requested result as a missing-dependency condition.
	GetBatch(keys []Key) map[Key]Value
}

// MissingDeps is returned by a Function when it requested keys that are not
// yet ready. The evaluator schedules each listed key and re-invokes the
// function once they are all available.
type MissingDeps struct {
	Keys []Key
}

func (MissingDeps) Error() string { return "missing dependencies" }

// ErrorClass labels an error as Transient or Persistent. The evaluator does
// not branch on it: any error other than MissingDeps fails the key for the
// rest of the build whatever its class, and failed keys are not written to
// the graph store.
type ErrorClass int

const (
	// Transient errors may succeed if the function is invoked again within
	// the same build (e.g. a flaky filesystem read).
	Transient ErrorClass = iota
	// Persistent errors recur when the same work is run again.
	Persistent
)

// ClassifiedError pairs an error with its ErrorClass. Environment.GetOrThrow
// returns one wrapping a failed dependency's error.
type ClassifiedError struct {
	Err   error
	Class ErrorClass
}

func (c *ClassifiedError) Error() string { return c.Err.Error() }
func (c *ClassifiedError) Unwrap() error { return c.Err }

// Function computes the value for one key. Compute must be a pure function
// of the dependency values it reads through env, with one exception: a
// non-hermetic function (Hermetic() == false) may also read external state
// (filesystem, environment variables) and is never cached across builds —
// it is recomputed whenever requested, but at most once per build.
//
// Compute returns (value, nil) on success, (nil, MissingDeps{...}) when it
// needs dependency values that are not yet ready, or (nil, err) for any
// other failure. The evaluator treats such an err as a failure of the key
// for the current build only; it is not persisted across builds.
type Function interface {
	Compute(ctx context.Context, arg any, env Environment) (Value, error)
	Hermetic() bool
}

// FunctionFunc adapts a plain function plus a hermeticity flag into a
// Function, so callers can register closures instead of defining a named
// type.
type FunctionFunc struct {
	Fn       func(ctx context.Context, arg any, env Environment) (Value, error)
	IsHermetic bool
}

func (f FunctionFunc) Compute(ctx context.Context, arg any, env Environment) (Value, error) {
	return f.Fn(ctx, arg, env)
}

func (f FunctionFunc) Hermetic() bool { return f.IsHermetic }
