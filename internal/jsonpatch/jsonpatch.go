// Package jsonpatch computes an RFC-6902-flavored patch (add/remove/replace
// only, per spec.md §4.3) between two JSON-like trees represented as the
// values encoding/json would decode into: map[string]any, []any, and
// scalars/nil. This is a core deliverable named in spec.md §2 (C4), not an
// ambient concern — hand-rolled deliberately, grounded on the diff rules in
// spec.md §4.3 rather than any library.
package jsonpatch

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Op is one RFC-6902 operation, restricted to add/remove/replace.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered list of Ops. Ordering within a single diff is
// unspecified per spec.md §4.3; callers must treat it as a set of operations
// over the same base.
type Patch []Op

// Diff computes the patch transforming oldState into newState. Both must be
// JSON-decoded values (map[string]any / []any / scalars / nil), typically
// produced by json.Unmarshal into an any.
func Diff(oldState, newState any) Patch {
	var p Patch
	diffValue("", oldState, newState, &p)
	return p
}

func diffValue(path string, oldV, newV any, p *Patch) {
	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, p)
		return
	}

	oldList, oldIsList := oldV.([]any)
	newList, newIsList := newV.([]any)
	if oldIsList && newIsList {
		diffLists(path, oldList, newList, p)
		return
	}

	if !deepEqual(oldV, newV) {
		*p = append(*p, Op{Op: "replace", Path: pathOrRoot(path), Value: newV})
	}
}

func diffMaps(path string, oldM, newM map[string]any, p *Patch) {
	keys := make(map[string]struct{}, len(oldM)+len(newM))
	for k := range oldM {
		keys[k] = struct{}{}
	}
	for k := range newM {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := path + "/" + escapeToken(k)
		oldVal, inOld := oldM[k]
		newVal, inNew := newM[k]
		switch {
		case inOld && !inNew:
			*p = append(*p, Op{Op: "remove", Path: childPath})
		case !inOld && inNew:
			*p = append(*p, Op{Op: "add", Path: childPath, Value: newVal})
		default:
			diffValue(childPath, oldVal, newVal, p)
		}
	}
}

// diffLists compares element-wise up to the common prefix. Extra trailing
// elements in old become removes; extra trailing elements in new become
// adds. No element-move detection, per spec.md §4.3.
func diffLists(path string, oldL, newL []any, p *Patch) {
	common := len(oldL)
	if len(newL) < common {
		common = len(newL)
	}
	for i := 0; i < common; i++ {
		diffValue(fmt.Sprintf("%s/%d", path, i), oldL[i], newL[i], p)
	}
	for i := len(oldL) - 1; i >= common; i-- {
		*p = append(*p, Op{Op: "remove", Path: fmt.Sprintf("%s/%d", path, i)})
	}
	for i := common; i < len(newL); i++ {
		*p = append(*p, Op{Op: "add", Path: fmt.Sprintf("%s/%d", path, i), Value: newL[i]})
	}
}

func pathOrRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

// escapeToken escapes a map key per JSON-Pointer (RFC 6901): ~ -> ~0, / -> ~1.
func escapeToken(k string) string {
	k = strings.ReplaceAll(k, "~", "~0")
	k = strings.ReplaceAll(k, "/", "~1")
	return k
}

func unescapeToken(t string) string {
	t = strings.ReplaceAll(t, "~1", "/")
	t = strings.ReplaceAll(t, "~0", "~")
	return t
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ChangedFields returns the set of top-level map keys that differ (added,
// removed, or altered) between oldState and newState, used as the queryable
// index on EntityVersion per spec.md §4.3/§4.4.
func ChangedFields(oldState, newState any) []string {
	oldM, _ := oldState.(map[string]any)
	newM, _ := newState.(map[string]any)

	seen := make(map[string]struct{})
	for k := range oldM {
		seen[k] = struct{}{}
	}
	for k := range newM {
		seen[k] = struct{}{}
	}

	var changed []string
	for k := range seen {
		oldVal, inOld := oldM[k]
		newVal, inNew := newM[k]
		if inOld != inNew || !deepEqual(oldVal, newVal) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Apply applies patch to base, returning the resulting value. Used by tests
// to verify the round-trip property from spec.md §8 (Diff then Apply
// reproduces newState) and by the version store when reconstructing
// historical state from a snapshot plus a chain of deltas.
func Apply(base any, patch Patch) (any, error) {
	result := deepCopy(base)
	for _, op := range patch {
		tokens := splitPointer(op.Path)
		var err error
		result, err = applyOp(result, tokens, op)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func splitPointer(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = unescapeToken(p)
	}
	return parts
}

func applyOp(root any, tokens []string, op Op) (any, error) {
	if len(tokens) == 0 {
		switch op.Op {
		case "replace", "add":
			return op.Value, nil
		case "remove":
			return nil, nil
		default:
			return nil, fmt.Errorf("jsonpatch: unknown op %q", op.Op)
		}
	}
	return applyInto(root, tokens, op)
}

func applyInto(node any, tokens []string, op Op) (any, error) {
	head := tokens[0]
	rest := tokens[1:]

	switch m := node.(type) {
	case map[string]any:
		if len(rest) == 0 {
			switch op.Op {
			case "add", "replace":
				m[head] = op.Value
			case "remove":
				delete(m, head)
			default:
				return nil, fmt.Errorf("jsonpatch: unknown op %q", op.Op)
			}
			return m, nil
		}
		child, ok := m[head]
		if !ok {
			return nil, fmt.Errorf("jsonpatch: path %q: key %q not found", op.Path, head)
		}
		updated, err := applyInto(child, rest, op)
		if err != nil {
			return nil, err
		}
		m[head] = updated
		return m, nil

	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil {
			return nil, fmt.Errorf("jsonpatch: path %q: bad array index %q", op.Path, head)
		}
		if len(rest) == 0 {
			switch op.Op {
			case "add":
				if idx < 0 || idx > len(m) {
					return nil, fmt.Errorf("jsonpatch: path %q: index out of range", op.Path)
				}
				m = append(m, nil)
				copy(m[idx+1:], m[idx:])
				m[idx] = op.Value
				return m, nil
			case "replace":
				if idx < 0 || idx >= len(m) {
					return nil, fmt.Errorf("jsonpatch: path %q: index out of range", op.Path)
				}
				m[idx] = op.Value
				return m, nil
			case "remove":
				if idx < 0 || idx >= len(m) {
					return nil, fmt.Errorf("jsonpatch: path %q: index out of range", op.Path)
				}
				return append(m[:idx], m[idx+1:]...), nil
			default:
				return nil, fmt.Errorf("jsonpatch: unknown op %q", op.Op)
			}
		}
		if idx < 0 || idx >= len(m) {
			return nil, fmt.Errorf("jsonpatch: path %q: index out of range", op.Path)
		}
		updated, err := applyInto(m[idx], rest, op)
		if err != nil {
			return nil, err
		}
		m[idx] = updated
		return m, nil

	default:
		return nil, fmt.Errorf("jsonpatch: path %q: cannot descend into scalar", op.Path)
	}
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(x))
		for k, val := range x {
			cp[k] = deepCopy(val)
		}
		return cp
	case []any:
		cp := make([]any, len(x))
		for i, val := range x {
			cp[i] = deepCopy(val)
		}
		return cp
	default:
		return x
	}
}
