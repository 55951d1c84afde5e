// Package fieldpath addresses values inside structured records with
// dot-notation paths ("name.given", "telecom.0.value").
package fieldpath

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is a structured, JSON-shaped record.
type Record = map[string]any

// Split breaks a path into its segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Valid reports whether path is non-empty and has no empty segments.
func Valid(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range Split(path) {
		if seg == "" {
			return false
		}
	}
	return true
}

// Get returns the value at path. Numeric segments index into arrays.
func Get(rec Record, path string) (any, bool) {
	var cur any = rec
	for _, seg := range Split(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Lookup is Get that tells a missing value apart from a path crossing a
// scalar, which yields *ErrStructure.
func Lookup(rec Record, path string) (any, bool, error) {
	var cur any = rec
	for _, seg := range Split(path) {
		switch node := cur.(type) {
		case nil:
			return nil, false, nil
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false, &ErrStructure{Path: path, Segment: seg}
			}
			if idx < 0 || idx >= len(node) {
				return nil, false, nil
			}
			cur = node[idx]
		default:
			return nil, false, &ErrStructure{Path: path, Segment: seg}
		}
	}
	if cur == nil {
		return nil, false, nil
	}
	return cur, true, nil
}

// ErrStructure is returned when a path crosses a scalar value.
type ErrStructure struct {
	Path    string
	Segment string
}

func (e *ErrStructure) Error() string {
	return fmt.Sprintf("path %q: segment %q is not a container", e.Path, e.Segment)
}

// Set writes v at path, creating intermediate objects and arrays as needed.
func Set(rec Record, path string, v any) error {
	segs := Split(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	_, err := set(rec, segs, v, path)
	return err
}

func set(node any, segs []string, v any, full string) (any, error) {
	seg := segs[0]
	if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
		arr, ok := node.([]any)
		if node != nil && !ok {
			return nil, &ErrStructure{Path: full, Segment: seg}
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(segs) == 1 {
			arr[idx] = v
			return arr, nil
		}
		child, err := set(arr[idx], segs[1:], v, full)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, ok := node.(map[string]any)
	if node != nil && !ok {
		return nil, &ErrStructure{Path: full, Segment: seg}
	}
	if m == nil {
		m = make(map[string]any)
	}
	if len(segs) == 1 {
		m[seg] = v
		return m, nil
	}
	child, err := set(m[seg], segs[1:], v, full)
	if err != nil {
		return nil, err
	}
	m[seg] = child
	return m, nil
}

// Delete removes the value at path if present.
func Delete(rec Record, path string) {
	segs := Split(path)
	if len(segs) == 0 {
		return
	}
	parentPath := strings.Join(segs[:len(segs)-1], ".")
	var parent any = rec
	if parentPath != "" {
		p, ok := Get(rec, parentPath)
		if !ok {
			return
		}
		parent = p
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, segs[len(segs)-1])
	}
}

// Overlaps reports whether two target paths address the same or nested fields.
func Overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// Flatten returns every leaf path of rec. Objects are descended; arrays and
// scalars are leaves.
func Flatten(rec Record) map[string]any {
	out := make(map[string]any)
	flatten("", rec, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}

// Equal compares two JSON-shaped values structurally, ignoring numeric
// representation differences (int vs float64).
func Equal(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Change is one differing leaf between two records.
type Change struct {
	Path     string `json:"path"`
	Type     string `json:"type"` // "added", "removed", "changed"
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Diff lists leaf-level differences from old to new, sorted by path.
func Diff(old, new Record) []Change {
	of, nf := Flatten(old), Flatten(new)
	keys := make(map[string]bool, len(of)+len(nf))
	for k := range of {
		keys[k] = true
	}
	for k := range nf {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []Change
	for _, path := range sorted {
		ov, inOld := of[path]
		nv, inNew := nf[path]
		switch {
		case !inOld:
			changes = append(changes, Change{Path: path, Type: "added", NewValue: nv})
		case !inNew:
			changes = append(changes, Change{Path: path, Type: "removed", OldValue: ov})
		case !Equal(ov, nv):
			changes = append(changes, Change{Path: path, Type: "changed", OldValue: ov, NewValue: nv})
		}
	}
	return changes
}

// Clone deep-copies a JSON-shaped record.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	return CloneValue(rec).(map[string]any)
}

// CloneValue deep-copies any JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = CloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = CloneValue(val)
		}
		return s
	default:
		return v
	}
}
