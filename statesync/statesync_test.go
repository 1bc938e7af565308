package statesync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// state builds a JSON value the way it would arrive off the wire, so the
// tests exercise the exact value model (map[string]any, []any, float64).
func state(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestDiffPatchRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		old  string
		new  string
	}{
		{
			name: "scalar field changed",
			old:  `{"turn": 1, "phase": "upkeep"}`,
			new:  `{"turn": 2, "phase": "draw"}`,
		},
		{
			name: "key added and removed",
			old:  `{"stack": [], "priority": "p1"}`,
			new:  `{"stack": [], "pendingAction": "mulligan"}`,
		},
		{
			name: "nested object change",
			old:  `{"players": {"p1": {"life": 20, "hand": 7}, "p2": {"life": 20, "hand": 7}}}`,
			new:  `{"players": {"p1": {"life": 17, "hand": 6}, "p2": {"life": 20, "hand": 7}}}`,
		},
		{
			name: "sequence grown",
			old:  `{"battlefield": ["island"]}`,
			new:  `{"battlefield": ["island", "forest", "bear"]}`,
		},
		{
			name: "sequence shrunk",
			old:  `{"battlefield": ["island", "forest", "bear"], "graveyard": []}`,
			new:  `{"battlefield": ["island"], "graveyard": ["bear"]}`,
		},
		{
			name: "element replaced inside sequence",
			old:  `{"zones": [{"name": "hand", "count": 7}, {"name": "library", "count": 53}]}`,
			new:  `{"zones": [{"name": "hand", "count": 6}, {"name": "library", "count": 53}]}`,
		},
		{
			name: "kind change map to sequence",
			old:  `{"target": {"id": "perm-3"}}`,
			new:  `{"target": ["perm-3", "perm-4"]}`,
		},
		{
			name: "root scalar replaced",
			old:  `"waiting"`,
			new:  `"active"`,
		},
		{
			name: "deeply nested sequences",
			old:  `{"board": [[1, 2], [3, 4]]}`,
			new:  `{"board": [[1, 2, 9], [4]]}`,
		},
		{
			name: "identical states",
			old:  `{"turn": 3, "players": ["p1", "p2"]}`,
			new:  `{"turn": 3, "players": ["p1", "p2"]}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			oldState := state(t, tc.old)
			newState := state(t, tc.new)

			ops := Diff(oldState, newState)
			patched, err := Patch(oldState, ops)
			require.NoError(t, err)
			assert.Equal(t, newState, patched)

			if tc.old == tc.new {
				assert.Empty(t, ops)
			}
		})
	}
}

func TestDiffDeterminism(t *testing.T) {
	oldState := state(t, `{"b": 1, "a": {"y": 2, "x": 3}, "c": [1, 2]}`)
	newState := state(t, `{"b": 2, "a": {"x": 4, "z": 5}, "c": [1]}`)

	first := Diff(oldState, newState)
	second := Diff(oldState, newState)
	assert.Equal(t, first, second)

	// Byte-identical on the wire, not just structurally equal.
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
}

func TestPatchEmptyDiffIdentity(t *testing.T) {
	original := state(t, `{"turn": 5, "players": {"p1": {"life": 12}}, "stack": ["bolt"]}`)

	patched, err := Patch(original, nil)
	require.NoError(t, err)
	assert.Equal(t, original, patched)
}

func TestPatchDoesNotMutateInput(t *testing.T) {
	original := state(t, `{"players": {"p1": {"life": 20}}, "stack": ["bolt"]}`)
	pristine := state(t, `{"players": {"p1": {"life": 20}}, "stack": ["bolt"]}`)
	target := state(t, `{"players": {"p1": {"life": 17}}, "stack": []}`)

	_, err := Patch(original, Diff(original, target))
	require.NoError(t, err)
	assert.Equal(t, pristine, original)
}

func TestDiffOpsSerializable(t *testing.T) {
	oldState := state(t, `{"hand": ["a", "b"], "life": 20}`)
	newState := state(t, `{"hand": ["a"], "life": 18}`)

	ops := Diff(oldState, newState)
	data, err := json.Marshal(ops)
	require.NoError(t, err)

	var decoded []Op
	require.NoError(t, json.Unmarshal(data, &decoded))

	patched, err := Patch(oldState, decoded)
	require.NoError(t, err)
	assert.Equal(t, newState, patched)
}

func TestPatchFailsLoudly(t *testing.T) {
	base := state(t, `{"players": {"p1": {"life": 20}}, "stack": ["bolt"]}`)

	testCases := []struct {
		name string
		op   Op
	}{
		{"missing key", Op{Kind: OpSet, Path: []string{"players", "p9", "life"}, Value: 1.0}},
		{"remove absent key", Op{Kind: OpRemove, Path: []string{"phase"}}},
		{"index out of range", Op{Kind: OpSet, Path: []string{"stack", "5"}, Value: "shock"}},
		{"insert past end", Op{Kind: OpInsert, Path: []string{"stack", "9"}, Value: "shock"}},
		{"non-numeric index", Op{Kind: OpSet, Path: []string{"stack", "first"}, Value: "shock"}},
		{"traverses scalar", Op{Kind: OpSet, Path: []string{"players", "p1", "life", "max"}, Value: 1.0}},
		{"remove at root", Op{Kind: OpRemove, Path: nil}},
		{"unknown kind", Op{Kind: "merge", Path: []string{"stack", "0"}, Value: "x"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Patch(base, []Op{tc.op})
			assert.Error(t, err)
		})
	}
}

func TestPatchStrict(t *testing.T) {
	base := state(t, `{"turn": 1}`)
	next := state(t, `{"turn": 2}`)
	ops := Diff(base, next)

	fp, err := Fingerprint(base)
	require.NoError(t, err)

	patched, err := PatchStrict(base, fp, ops)
	require.NoError(t, err)
	assert.Equal(t, next, patched)

	// Applying against the wrong base is rejected up front.
	_, err = PatchStrict(next, fp, ops)
	assert.ErrorIs(t, err, ErrBaseMismatch)
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": map[string]any{"b": 2.0, "a": 3.0}}
	b := map[string]any{"y": map[string]any{"a": 3.0, "b": 2.0}, "x": 1.0}

	fpA, err := Fingerprint(a)
	require.NoError(t, err)
	fpB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)

	fpC, err := Fingerprint(map[string]any{"x": 2.0})
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpC)
}

func TestDiffEmitsMinimalOps(t *testing.T) {
	oldState := state(t, `{"players": {"p1": {"life": 20, "hand": 7}}, "turn": 1}`)
	newState := state(t, `{"players": {"p1": {"life": 17, "hand": 7}}, "turn": 1}`)

	ops := Diff(oldState, newState)
	require.Len(t, ops, 1)
	assert.Equal(t, OpSet, ops[0].Kind)
	assert.Equal(t, []string{"players", "p1", "life"}, ops[0].Path)
	assert.Equal(t, 17.0, ops[0].Value)
}
