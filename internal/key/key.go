// Package key defines the keyed function model that the evaluator (internal/evaluator)
// drives. A Key identifies a node in the dependency graph by the function that
// produces its value plus an immutable, hashable argument. Two classes of keys
// matter to the rest of buildcore: action-execution keys (owner + action index)
// and artifact keys (a file-like output identified by its exec path).
package key

import "fmt"

// Key identifies one node in the dependency graph: which registered Function
// computes it, and the argument that function is invoked with.
//
// Keys compare equal iff both FunctionName and Argument compare equal, so
// Argument must be a comparable type (a plain struct of comparable fields, a
// string, or similar) usable as a Go map key.
type Key struct {
	FunctionName string
	Argument     any
}

// String renders a Key for logging and error messages. It does not attempt
// to be a stable serialization — only a human-readable label.
func (k Key) String() string {
	return fmt.Sprintf("%s(%v)", k.FunctionName, k.Argument)
}

// ActionOwner identifies the rule/configuration pair that registered a set of
// actions. It is the first half of an ActionArg.
type ActionOwner struct {
	Label             string
	ConfigFingerprint string
}

// ActionArg is the Argument carried by an action-execution key: it names the
// owning lookup node and the index of the action within it.
type ActionArg struct {
	Owner       ActionOwner
	ActionIndex int
}

// ArtifactArg is the Argument carried by an artifact key: an artifact is
// identified by its exec path, unique within a build.
type ArtifactArg struct {
	ExecPath string
}

// ActionFunctionName is the registered function name for action-execution
// keys. The evaluator invokes whatever Function is registered under this
// name, as for any other key; running the action is up to that Function.
const ActionFunctionName = "action-execution"

// ArtifactFunctionName is the registered function name for artifact keys.
const ArtifactFunctionName = "artifact"

// NewActionKey builds the Key for one action within a lookup node.
func NewActionKey(owner ActionOwner, actionIndex int) Key {
	return Key{FunctionName: ActionFunctionName, Argument: ActionArg{Owner: owner, ActionIndex: actionIndex}}
}

// NewArtifactKey builds the Key for a file-like output.
func NewArtifactKey(execPath string) Key {
	return Key{FunctionName: ArtifactFunctionName, Argument: ArtifactArg{ExecPath: execPath}}
}
