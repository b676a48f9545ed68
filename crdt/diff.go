package crdt

// Patch is a single replace: delete DeleteCount runes at Start, then
// insert InsertText at Start.
type Patch struct {
	Start       int    `json:"start"`
	DeleteCount int    `json:"deleteCount"`
	InsertText  string `json:"insertText"`
}

// IsNoop reports whether applying p changes nothing.
func (p Patch) IsNoop() bool {
	return p.DeleteCount == 0 && p.InsertText == ""
}

// Apply returns s with p applied. Offsets are rune offsets.
func (p Patch) Apply(s string) string {
	r := []rune(s)
	out := make([]rune, 0, len(r)-p.DeleteCount+len(p.InsertText))
	out = append(out, r[:p.Start]...)
	out = append(out, []rune(p.InsertText)...)
	out = append(out, r[p.Start+p.DeleteCount:]...)
	return string(out)
}

// Diff computes the patch turning oldText into newText by trimming the
// longest common prefix and then the longest common suffix that does
// not reach back into the prefix. It is not a minimal edit script for
// moved text, only for a single contiguous change.
func Diff(oldText, newText string) Patch {
	o, n := []rune(oldText), []rune(newText)

	p := 0
	for p < len(o) && p < len(n) && o[p] == n[p] {
		p++
	}

	s := 0
	for s < len(o)-p && s < len(n)-p && o[len(o)-1-s] == n[len(n)-1-s] {
		s++
	}

	return Patch{
		Start:       p,
		DeleteCount: len(o) - s - p,
		InsertText:  string(n[p : len(n)-s]),
	}
}
