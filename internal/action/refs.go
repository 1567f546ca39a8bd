package action

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Ref is an unresolved reference to another action's result payload.
// It records where in the parameter tree the reference sits so the
// scheduler can substitute the concrete value in place once the
// dependency has finished.
type Ref struct {
	ActionID string   // referenced action
	Path     string   // dot-separated path inside its result payload
	At       []string // key path inside Parameters where the ref appears
}

// refPattern matches a parameter string value that is exactly one
// reference expression: $ref(action_id, path).
var refPattern = regexp.MustCompile(`^\$ref\(\s*([A-Za-z0-9_-]+)\s*,\s*([A-Za-z0-9_.\[\]-]+)\s*\)$`)

// ScanRefs walks params recursively and returns every reference
// expression found in string values, with its location.
func ScanRefs(params map[string]any) []Ref {
	var refs []Ref
	scanValue(params, nil, &refs)
	return refs
}

func scanValue(v any, at []string, refs *[]Ref) {
	switch val := v.(type) {
	case string:
		if m := refPattern.FindStringSubmatch(val); m != nil {
			*refs = append(*refs, Ref{ActionID: m[1], Path: m[2], At: append([]string(nil), at...)})
		}
	case map[string]any:
		for k, inner := range val {
			scanValue(inner, append(at, k), refs)
		}
	case []any:
		for i, inner := range val {
			scanValue(inner, append(at, indexKey(i)), refs)
		}
	}
}

// Substitute replaces the parameter value at ref.At with concrete.
// The parameter tree is mutated in place.
func Substitute(params map[string]any, ref Ref, concrete any) {
	setAt(params, ref.At, concrete)
}

func setAt(v any, at []string, concrete any) {
	if len(at) == 0 {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		if len(at) == 1 {
			val[at[0]] = concrete
			return
		}
		setAt(val[at[0]], at[1:], concrete)
	case []any:
		idx, ok := parseIndexKey(at[0])
		if !ok || idx >= len(val) {
			return
		}
		if len(at) == 1 {
			val[idx] = concrete
			return
		}
		setAt(val[idx], at[1:], concrete)
	}
}

// Lookup resolves a dot-separated path inside a JSON result payload.
// Segments may carry list indexes, as in "items[0].name". It returns
// the value at that path, or false if any segment is absent.
func Lookup(payload json.RawMessage, path string) (any, bool) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		key, indexes, ok := splitSegment(seg)
		if !ok {
			return nil, false
		}
		if key != "" {
			m, isMap := cur.(map[string]any)
			if !isMap {
				return nil, false
			}
			v, present := m[key]
			if !present {
				return nil, false
			}
			cur = v
		}
		for _, idx := range indexes {
			list, isList := cur.([]any)
			if !isList || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
		}
	}
	return cur, true
}

// splitSegment separates one path segment into its leading key and any
// trailing list indexes, e.g. "items[0][1]" -> "items", [0 1]. A pure
// index segment like "[2]" has an empty key.
func splitSegment(seg string) (string, []int, bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil, seg != ""
	}
	key := seg[:open]
	rest := seg[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, false
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil || n < 0 {
			return "", nil, false
		}
		indexes = append(indexes, n)
		rest = rest[end+1:]
	}
	return key, indexes, true
}

func indexKey(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

func parseIndexKey(k string) (int, bool) {
	if len(k) < 3 || k[0] != '[' || k[len(k)-1] != ']' {
		return 0, false
	}
	n, err := strconv.Atoi(k[1 : len(k)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
