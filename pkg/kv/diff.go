package kv

import "reflect"

// Change is the before and after of a field present on both sides of a diff.
type Change struct {
	Old any
	New any
}

// Diff partitions the difference between two values. Added and Removed hold
// the symmetric difference of the key sets; Updated holds common keys whose
// values differ. Nothing else is included.
type Diff struct {
	Added   map[string]any
	Removed map[string]any
	Updated map[string]Change
}

// Compare diffs d1 (before) against d2 (after).
func Compare(d1, d2 map[string]any) Diff {
	d := Diff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Updated: map[string]Change{},
	}
	for k, v2 := range d2 {
		v1, ok := d1[k]
		if !ok {
			d.Added[k] = v2
			continue
		}
		if !reflect.DeepEqual(v1, v2) {
			d.Updated[k] = Change{Old: v1, New: v2}
		}
	}
	for k, v1 := range d1 {
		if _, ok := d2[k]; !ok {
			d.Removed[k] = v1
		}
	}
	return d
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}
