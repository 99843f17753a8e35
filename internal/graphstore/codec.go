package graphstore

import (
	"encoding/json"
	"fmt"

	"github.com/arrowbuild/buildcore/internal/key"
)

// wireKey is the JSON-serializable envelope for a key.Key. Argument is
// encoded with an explicit type tag because key.Key.Argument is `any`; the
// only two key classes that persist across builds are action-execution
// keys and artifact keys, so the codec only needs to round-trip those two
// concrete argument types.
type wireKey struct {
	FunctionName string          `json:"fn"`
	ArgType      string          `json:"arg_type"`
	Arg          json.RawMessage `json:"arg"`
}

// EncodeKey serializes a key.Key for persistence in a SQL-backed Store.
func EncodeKey(k key.Key) ([]byte, error) {
	var argType string
	var raw json.RawMessage
	var err error

	switch arg := k.Argument.(type) {
	case key.ActionArg:
		argType = "action"
		raw, err = json.Marshal(arg)
	case key.ArtifactArg:
		argType = "artifact"
		raw, err = json.Marshal(arg)
	default:
		argType = "opaque"
		raw, err = json.Marshal(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("graphstore: encode key argument: %w", err)
	}

	return json.Marshal(wireKey{FunctionName: k.FunctionName, ArgType: argType, Arg: raw})
}

// DecodeKey reverses EncodeKey.
func DecodeKey(data []byte) (key.Key, error) {
	var wk wireKey
	if err := json.Unmarshal(data, &wk); err != nil {
		return key.Key{}, fmt.Errorf("graphstore: decode key: %w", err)
	}

	var arg any
	switch wk.ArgType {
	case "action":
		var a key.ActionArg
		if err := json.Unmarshal(wk.Arg, &a); err != nil {
			return key.Key{}, err
		}
		arg = a
	case "artifact":
		var a key.ArtifactArg
		if err := json.Unmarshal(wk.Arg, &a); err != nil {
			return key.Key{}, err
		}
		arg = a
	default:
		var a map[string]any
		if err := json.Unmarshal(wk.Arg, &a); err != nil {
			return key.Key{}, err
		}
		arg = a
	}

	return key.Key{FunctionName: wk.FunctionName, Argument: arg}, nil
}

// wireNode is the JSON-serializable envelope for a Node.
type wireNode struct {
	Value      json.RawMessage `json:"value"`
	Deps       [][]byte        `json:"deps"`
	ComputedAt int64           `json:"computed_at"`
	CheckedAt  int64           `json:"checked_at"`
	Dirty      DirtyState      `json:"dirty"`
	Err        string          `json:"err,omitempty"`
}

// EncodeNode serializes a Node for persistence.
func EncodeNode(n Node) ([]byte, error) {
	valueJSON, err := json.Marshal(n.Value)
	if err != nil {
		return nil, fmt.Errorf("graphstore: encode node value: %w", err)
	}

	deps := make([][]byte, 0, len(n.Deps))
	for _, d := range n.Deps {
		enc, err := EncodeKey(d)
		if err != nil {
			return nil, err
		}
		deps = append(deps, enc)
	}

	errMsg := ""
	if n.Err != nil {
		errMsg = n.Err.Error()
	}

	return json.Marshal(wireNode{
		Value:      valueJSON,
		Deps:       deps,
		ComputedAt: n.ComputedAt,
		CheckedAt:  n.CheckedAt,
		Dirty:      n.Dirty,
		Err:        errMsg,
	})
}

// DecodeNode reverses EncodeNode. The returned Node's Err field, if the
// original had one, is a plain error carrying only the message text —
// persisted errors lose their original type. The evaluator does not write
// failed nodes, so errors of any class are not remembered across builds.
func DecodeNode(data []byte) (Node, error) {
	var wn wireNode
	if err := json.Unmarshal(data, &wn); err != nil {
		return Node{}, fmt.Errorf("graphstore: decode node: %w", err)
	}

	var value key.Value
	if err := json.Unmarshal(wn.Value, &value); err != nil {
		return Node{}, err
	}

	deps := make([]key.Key, 0, len(wn.Deps))
	for _, raw := range wn.Deps {
		k, err := DecodeKey(raw)
		if err != nil {
			return Node{}, err
		}
		deps = append(deps, k)
	}

	n := Node{Value: value, Deps: deps, ComputedAt: wn.ComputedAt, CheckedAt: wn.CheckedAt, Dirty: wn.Dirty}
	if wn.Err != "" {
		n.Err = fmt.Errorf("%s", wn.Err)
	}
	return n, nil
}
