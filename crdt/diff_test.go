package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     Patch
	}{
		{"pure insertion", "ab", "azb", Patch{Start: 1, InsertText: "z"}},
		{"pure deletion", "azb", "ab", Patch{Start: 1, DeleteCount: 1}},
		{"full replace", "abc", "xyz", Patch{Start: 0, DeleteCount: 3, InsertText: "xyz"}},
		{"append", "abc", "abcd", Patch{Start: 3, InsertText: "d"}},
		{"prepend", "abc", "zabc", Patch{Start: 0, InsertText: "z"}},
		{"clear", "abc", "", Patch{Start: 0, DeleteCount: 3}},
		{"from empty", "", "abc", Patch{Start: 0, InsertText: "abc"}},
		{"repeated runs", "aaa", "aaaa", Patch{Start: 3, InsertText: "a"}},
		{"interior word", "The cat sat", "The black cat sat", Patch{Start: 4, InsertText: "black "}},
		{"multibyte", "héllo", "hello", Patch{Start: 1, DeleteCount: 1, InsertText: "e"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.new, got.Apply(tt.old))
		})
	}
}

func TestDiffNoop(t *testing.T) {
	for _, s := range []string{"", "x", "The cat sat"} {
		p := Diff(s, s)
		assert.True(t, p.IsNoop(), s)
		assert.Equal(t, 0, p.DeleteCount)
		assert.Equal(t, "", p.InsertText)
	}
}

func TestPatchReplaceRoundTrip(t *testing.T) {
	// A wider replace than Diff would choose is still a valid patch.
	p := Patch{Start: 4, DeleteCount: 3, InsertText: "black cat"}
	assert.Equal(t, "The black cat sat", p.Apply("The cat sat"))

	d := NewDoc("a")
	d.Insert(0, "The cat sat")
	d.Transact(func(tx *Txn) {
		tx.Delete(p.Start, p.DeleteCount)
		tx.Insert(p.Start, p.InsertText)
	})
	assert.Equal(t, "The black cat sat", d.String())
}
