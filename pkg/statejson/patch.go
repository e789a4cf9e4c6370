// Package statejson manipulates brain state as raw JSON objects: RFC 6902
// patch computation for step deltas, patch application for state folds, and
// shallow object merges for terminal tool results.
package statejson

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// EmptyObject is the canonical zero state.
var EmptyObject = json.RawMessage(`{}`)

// Normalize returns the state unchanged, or the empty object for nil/empty input.
func Normalize(state json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(state)) == 0 {
		return EmptyObject
	}
	return state
}

// Compute diffs two JSON documents and returns an RFC 6902 patch array.
// Equal documents yield the empty patch "[]".
func Compute(before, after json.RawMessage) (json.RawMessage, error) {
	patch, err := jsondiff.CompareJSON(Normalize(before), Normalize(after))
	if err != nil {
		return nil, fmt.Errorf("computing state patch: %w", err)
	}
	if len(patch) == 0 {
		return json.RawMessage(`[]`), nil
	}
	out, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshaling state patch: %w", err)
	}
	return out, nil
}

// Apply applies an RFC 6902 patch to a JSON document. A nil or empty patch
// returns the document unchanged.
func Apply(doc, patch json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(patch)) == 0 || bytes.Equal(bytes.TrimSpace(patch), []byte(`[]`)) {
		return Normalize(doc), nil
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decoding state patch: %w", err)
	}
	out, err := decoded.Apply(Normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("applying state patch: %w", err)
	}
	return out, nil
}

// Fold applies a sequence of patches to an initial state in order.
func Fold(initial json.RawMessage, patches []json.RawMessage) (json.RawMessage, error) {
	state := Normalize(initial)
	for i, p := range patches {
		next, err := Apply(state, p)
		if err != nil {
			return nil, fmt.Errorf("folding patch %d: %w", i, err)
		}
		state = next
	}
	return state, nil
}

// Merge spreads the top-level keys of src over dst. Both must be JSON
// objects. Keys present in src win.
func Merge(dst, src json.RawMessage) (json.RawMessage, error) {
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(Normalize(dst), &base); err != nil {
		return nil, fmt.Errorf("merge target is not an object: %w", err)
	}
	if err := json.Unmarshal(Normalize(src), &overlay); err != nil {
		return nil, fmt.Errorf("merge source is not an object: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(overlay))
	}
	for k, v := range overlay {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshaling merged state: %w", err)
	}
	return out, nil
}

// Namespace wraps a value under a single top-level key, producing
// {"<name>": <value>}.
func Namespace(name string, value json.RawMessage) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]json.RawMessage{name: Normalize(value)})
	if err != nil {
		return nil, fmt.Errorf("namespacing state under %q: %w", name, err)
	}
	return out, nil
}
