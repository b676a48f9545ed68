// Package merge reconciles a record's unsaved local edits with a newer
// authoritative copy, one field at a time.
package merge

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Snapshot is one record's field values keyed by column name.
type Snapshot map[string]any

// Clone returns a shallow copy of s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Result is the outcome of one merge. Conflicts is always a subset of
// UpdatedFields.
type Result struct {
	Merged           Snapshot `json:"merged"`
	UpdatedFields    []string `json:"updatedFields"`
	Conflicts        []string `json:"conflicts"`
	HasRemoteChanges bool     `json:"hasRemoteChanges"`
}

// Resolver merges snapshots. Fields named in Ignore always take the
// remote value and are never reported; use it for bookkeeping columns
// such as updated_at.
type Resolver struct {
	Ignore []string
}

// Merge uses a Resolver with no ignored fields.
func Merge(base, local, remote Snapshot) Result {
	return Resolver{}.Merge(base, local, remote)
}

// Merge compares every field present in any of the three snapshots.
// A field the remote did not change keeps its local value. A field the
// remote changed takes the remote value, and is a conflict when the
// local copy had changed it too. A missing field and a nil value are
// the same.
func (r Resolver) Merge(base, local, remote Snapshot) Result {
	res := Result{
		Merged:        make(Snapshot),
		UpdatedFields: []string{},
		Conflicts:     []string{},
	}
	for _, f := range fields(base, local, remote) {
		b, l, rv := base[f], local[f], remote[f]
		switch {
		case slices.Contains(r.Ignore, f):
			set(res.Merged, f, pick(remote, local, f))
		case equal(rv, b):
			set(res.Merged, f, l)
		default:
			set(res.Merged, f, rv)
			res.UpdatedFields = append(res.UpdatedFields, f)
			if !equal(l, b) {
				res.Conflicts = append(res.Conflicts, f)
			}
		}
	}
	res.HasRemoteChanges = len(res.UpdatedFields) > 0
	return res
}

func fields(snaps ...Snapshot) []string {
	var keys []string
	for _, s := range snaps {
		for k := range s {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func pick(remote, local Snapshot, f string) any {
	if v, ok := remote[f]; ok {
		return v
	}
	return local[f]
}

func set(s Snapshot, f string, v any) {
	if v != nil {
		s[f] = v
	}
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Level is the severity of a merge notice.
type Level int

const (
	LevelNone Level = iota
	LevelInfo
	LevelWarning
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	default:
		return "none"
	}
}

// NoticeText is the transient message shown after a merge.
type NoticeText struct {
	Level   Level
	Message string
}

// Notice describes res for the user. Merges without remote changes
// produce no notice; conflicts produce a warning naming the fields,
// whose remote values are already applied.
func Notice(res Result) NoticeText {
	switch {
	case len(res.Conflicts) > 0:
		return NoticeText{
			Level:   LevelWarning,
			Message: fmt.Sprintf("another user changed %s while you were editing; their values were applied", strings.Join(res.Conflicts, ", ")),
		}
	case res.HasRemoteChanges:
		return NoticeText{
			Level:   LevelInfo,
			Message: fmt.Sprintf("fields updated by another user: %s", strings.Join(res.UpdatedFields, ", ")),
		}
	default:
		return NoticeText{Level: LevelNone}
	}
}
