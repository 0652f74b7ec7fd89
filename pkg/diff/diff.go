// Package diff compares successive snapshot payloads of the chunked
// research stream.
//
// Snapshots are decoded JSON objects. Nested objects are walked key by
// key; every other value, arrays included, is compared as a whole.
package diff

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Kind classifies one change.
type Kind string

const (
	KindAdded   Kind = "added"
	KindRemoved Kind = "removed"
	KindChanged Kind = "changed"
)

// Change is one difference between two snapshots.
type Change struct {
	Path   []string `json:"path"`
	Kind   Kind     `json:"kind"`
	Before any      `json:"before,omitempty"`
	After  any      `json:"after,omitempty"`
}

// MarshalJSON writes before for changed and removed entries and after for
// added and changed ones, as null when the value is a JSON null.
func (c Change) MarshalJSON() ([]byte, error) {
	out := struct {
		Path   []string `json:"path"`
		Kind   Kind     `json:"kind"`
		Before *any     `json:"before,omitempty"`
		After  *any     `json:"after,omitempty"`
	}{Path: c.Path, Kind: c.Kind}
	if c.Kind != KindAdded {
		out.Before = &c.Before
	}
	if c.Kind != KindRemoved {
		out.After = &c.After
	}
	return json.Marshal(out)
}

// Key returns the dotted form of the change path.
func (c Change) Key() string {
	return strings.Join(c.Path, ".")
}

// Set is the result of Compute, ordered by path.
type Set []Change

// Compute returns the changes that turn prev into cur. Neither argument
// is modified. The result is sorted by path so equal inputs always
// produce equal output.
func Compute(prev, cur map[string]any) Set {
	var s Set
	walk(nil, prev, cur, &s)
	slices.SortFunc(s, func(a, b Change) int {
		return slices.Compare(a.Path, b.Path)
	})
	return s
}

func walk(prefix []string, prev, cur map[string]any, out *Set) {
	for k, after := range cur {
		path := appendPath(prefix, k)
		before, ok := prev[k]
		if !ok {
			*out = append(*out, Change{Path: path, Kind: KindAdded, After: after})
			continue
		}
		bm, bIsMap := before.(map[string]any)
		am, aIsMap := after.(map[string]any)
		if bIsMap && aIsMap {
			walk(path, bm, am, out)
			continue
		}
		if !cmp.Equal(before, after) {
			*out = append(*out, Change{Path: path, Kind: KindChanged, Before: before, After: after})
		}
	}
	for k, before := range prev {
		if _, ok := cur[k]; !ok {
			*out = append(*out, Change{Path: appendPath(prefix, k), Kind: KindRemoved, Before: before})
		}
	}
}

func appendPath(prefix []string, k string) []string {
	path := make([]string, len(prefix), len(prefix)+1)
	copy(path, prefix)
	return append(path, k)
}

// Empty reports whether the snapshots were equal.
func (s Set) Empty() bool { return len(s) == 0 }

// Added returns the added entries.
func (s Set) Added() Set { return s.ofKind(KindAdded) }

// Removed returns the removed entries.
func (s Set) Removed() Set { return s.ofKind(KindRemoved) }

// Changed returns the changed entries.
func (s Set) Changed() Set { return s.ofKind(KindChanged) }

func (s Set) ofKind(k Kind) Set {
	var out Set
	for _, c := range s {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// Marshal serializes the set. Entries keep path order and object keys
// inside values are sorted by encoding/json, so output is reproducible.
func (s Set) Marshal() ([]byte, error) {
	if s == nil {
		s = Set{}
	}
	return json.Marshal([]Change(s))
}
