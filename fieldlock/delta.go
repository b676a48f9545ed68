package fieldlock

import "slices"

// Delta is an incremental change to a discrete field's value set.
type Delta struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether d changes nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Compute returns the delta that turns from into to.
func Compute(from, to []string) Delta {
	var d Delta
	for _, v := range to {
		if !slices.Contains(from, v) {
			d.Added = append(d.Added, v)
		}
	}
	for _, v := range from {
		if !slices.Contains(to, v) {
			d.Removed = append(d.Removed, v)
		}
	}
	return d
}

// Apply returns value with d applied. Adding a present item or
// removing an absent one is a no-op, so applying a delta twice is the
// same as applying it once. A single-valued field keeps only the last
// added item.
func (d Delta) Apply(value []string, multi bool) []string {
	out := make([]string, 0, len(value)+len(d.Added))
	for _, v := range value {
		if !slices.Contains(d.Removed, v) {
			out = append(out, v)
		}
	}
	if !multi {
		if len(d.Added) > 0 {
			return []string{d.Added[len(d.Added)-1]}
		}
		return out
	}
	for _, v := range d.Added {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
