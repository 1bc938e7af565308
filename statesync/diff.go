// Package statesync computes and applies structural diffs between two
// immutable game-state values, so a mutation can be shipped to clients and
// other instances as a small patch instead of a full snapshot.
//
// States are plain JSON values: map[string]any, []any, and scalars. One
// generic implementation serves every game adapter regardless of its state
// shape. Diff traversal is deterministic (sorted map keys), so identical
// inputs always produce byte-identical output.
package statesync

import (
	"reflect"
	"sort"
	"strconv"
)

// Op kinds. Ops are replay-order-sensitive and self-contained.
const (
	OpSet    = "set"    // set the value at path (map key or existing sequence index)
	OpRemove = "remove" // remove the map key or sequence element at path
	OpInsert = "insert" // insert the value into the sequence at path's final index
)

// Op is a single path-addressed transformation. Path segments are map keys
// or decimal sequence indices; an empty path addresses the root value.
type Op struct {
	Kind  string   `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Diff walks both values structurally and emits the operations that
// transform oldState into newState. The returned ops applied in order via
// Patch reproduce newState exactly. Identical inputs produce no ops.
func Diff(oldState, newState any) []Op {
	var ops []Op
	diffValue(nil, oldState, newState, &ops)
	return ops
}

func diffValue(path []string, oldVal, newVal any, ops *[]Op) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		diffMap(path, oldMap, newMap, ops)
		return
	}

	oldSeq, oldIsSeq := oldVal.([]any)
	newSeq, newIsSeq := newVal.([]any)
	if oldIsSeq && newIsSeq {
		diffSeq(path, oldSeq, newSeq, ops)
		return
	}

	// Scalars, or a kind change (map replaced by sequence, etc.): one
	// set op covers the whole subtree.
	if !reflect.DeepEqual(oldVal, newVal) {
		*ops = append(*ops, Op{Kind: OpSet, Path: clonePath(path), Value: newVal})
	}
}

func diffMap(path []string, oldMap, newMap map[string]any, ops *[]Op) {
	keys := make([]string, 0, len(oldMap)+len(newMap))
	seen := make(map[string]struct{}, len(oldMap)+len(newMap))
	for key := range oldMap {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range newMap {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		child := append(path, key)
		oldChild, inOld := oldMap[key]
		newChild, inNew := newMap[key]
		switch {
		case inOld && inNew:
			diffValue(child, oldChild, newChild, ops)
		case inNew:
			*ops = append(*ops, Op{Kind: OpSet, Path: clonePath(child), Value: newChild})
		default:
			*ops = append(*ops, Op{Kind: OpRemove, Path: clonePath(child)})
		}
	}
}

func diffSeq(path []string, oldSeq, newSeq []any, ops *[]Op) {
	common := len(oldSeq)
	if len(newSeq) < common {
		common = len(newSeq)
	}
	for i := 0; i < common; i++ {
		diffValue(append(path, strconv.Itoa(i)), oldSeq[i], newSeq[i], ops)
	}
	// Grown: insert trailing elements in ascending order.
	for i := common; i < len(newSeq); i++ {
		*ops = append(*ops, Op{
			Kind:  OpInsert,
			Path:  clonePath(append(path, strconv.Itoa(i))),
			Value: newSeq[i],
		})
	}
	// Shrunk: remove trailing elements highest-index-first so earlier
	// removals don't shift the indices of later ones.
	for i := len(oldSeq) - 1; i >= common; i-- {
		*ops = append(*ops, Op{Kind: OpRemove, Path: clonePath(append(path, strconv.Itoa(i)))})
	}
}

func clonePath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}
