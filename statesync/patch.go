package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// ErrBaseMismatch is returned by PatchStrict when the state being patched
// is not the base the diff was computed from.
var ErrBaseMismatch = fmt.Errorf("statesync: state does not match diff base")

// Patch applies ops in order to state and returns the resulting value.
// The input is never mutated; an empty op list returns a structural copy
// of the input.
//
// Applying a diff against a different base than it was computed from has
// undefined results at the value level, but structural mismatches (missing
// path, wrong container kind, index out of range) are detected and
// reported as errors rather than silently producing a corrupted state.
// Callers that want a hard base guarantee should use PatchStrict.
func Patch(state any, ops []Op) (any, error) {
	result := copyValue(state)
	for i, op := range ops {
		var err error
		result, err = applyOp(result, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s at %v): %w", i, op.Kind, op.Path, err)
		}
	}
	return result, nil
}

// PatchStrict verifies that state matches the fingerprint of the base the
// diff was computed from before applying it. A mismatch returns
// ErrBaseMismatch and callers should fall back to requesting full state.
func PatchStrict(state any, baseFingerprint string, ops []Op) (any, error) {
	fp, err := Fingerprint(state)
	if err != nil {
		return nil, err
	}
	if fp != baseFingerprint {
		return nil, ErrBaseMismatch
	}
	return Patch(state, ops)
}

// Fingerprint returns a deterministic digest of a state value, suitable
// for tagging a diff with the base it was computed against. Map key order
// does not affect the result.
func Fingerprint(state any) (string, error) {
	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical for the JSON value model.
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("fingerprint state: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func applyOp(root any, op Op) (any, error) {
	if len(op.Path) == 0 {
		switch op.Kind {
		case OpSet:
			return copyValue(op.Value), nil
		default:
			return nil, fmt.Errorf("%s not valid at root", op.Kind)
		}
	}

	parent, err := walk(root, op.Path[:len(op.Path)-1])
	if err != nil {
		return nil, err
	}
	leaf := op.Path[len(op.Path)-1]

	switch container := parent.(type) {
	case map[string]any:
		switch op.Kind {
		case OpSet:
			container[leaf] = copyValue(op.Value)
		case OpRemove:
			if _, ok := container[leaf]; !ok {
				return nil, fmt.Errorf("key %q not present", leaf)
			}
			delete(container, leaf)
		case OpInsert:
			return nil, fmt.Errorf("insert into map key %q", leaf)
		default:
			return nil, fmt.Errorf("unknown op kind %q", op.Kind)
		}
		return root, nil

	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil {
			return nil, fmt.Errorf("sequence index %q: %w", leaf, err)
		}
		updated, err := applySeqOp(container, idx, op)
		if err != nil {
			return nil, err
		}
		// The slice header may have changed; write it back through the
		// grandparent, or return it directly when it is the root.
		if len(op.Path) == 1 {
			return updated, nil
		}
		if err := replaceChild(root, op.Path[:len(op.Path)-1], updated); err != nil {
			return nil, err
		}
		return root, nil

	default:
		return nil, fmt.Errorf("path traverses a scalar at %q", leaf)
	}
}

func applySeqOp(seq []any, idx int, op Op) ([]any, error) {
	switch op.Kind {
	case OpSet:
		if idx < 0 || idx >= len(seq) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(seq))
		}
		seq[idx] = copyValue(op.Value)
		return seq, nil
	case OpInsert:
		if idx < 0 || idx > len(seq) {
			return nil, fmt.Errorf("insert index %d out of range (len %d)", idx, len(seq))
		}
		seq = append(seq, nil)
		copy(seq[idx+1:], seq[idx:])
		seq[idx] = copyValue(op.Value)
		return seq, nil
	case OpRemove:
		if idx < 0 || idx >= len(seq) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(seq))
		}
		return append(seq[:idx], seq[idx+1:]...), nil
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// walk descends path from root and returns the container it lands on.
func walk(root any, path []string) (any, error) {
	current := root
	for _, segment := range path {
		switch container := current.(type) {
		case map[string]any:
			child, ok := container[segment]
			if !ok {
				return nil, fmt.Errorf("key %q not present", segment)
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil {
				return nil, fmt.Errorf("sequence index %q: %w", segment, err)
			}
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(container))
			}
			current = container[idx]
		default:
			return nil, fmt.Errorf("path traverses a scalar at %q", segment)
		}
	}
	return current, nil
}

// replaceChild writes value at path, used after a sequence op changed the
// slice header of a nested sequence.
func replaceChild(root any, path []string, value any) error {
	parent, err := walk(root, path[:len(path)-1])
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	switch container := parent.(type) {
	case map[string]any:
		container[leaf] = value
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil {
			return fmt.Errorf("sequence index %q: %w", leaf, err)
		}
		if idx < 0 || idx >= len(container) {
			return fmt.Errorf("index %d out of range (len %d)", idx, len(container))
		}
		container[idx] = value
	default:
		return fmt.Errorf("path traverses a scalar at %q", leaf)
	}
	return nil
}

// copyValue deep-copies the JSON value model so patched states never share
// mutable structure with their inputs.
func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = copyValue(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = copyValue(child)
		}
		return out
	default:
		return v
	}
}
