package connector

import (
	"encoding/json"
	"strconv"
	"strings"
)

func encodeSlotsAsJSON(slots map[string]interface{}) string {
	b, err := json.Marshal(slots)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// extractFields walks raw using each dot path in paths and returns the
// results keyed by alias. Missing paths are simply absent from the result
// (spec §4.5 names no error behaviour for a missing field).
func extractFields(raw map[string]interface{}, paths map[string]string) map[string]interface{} {
	if len(paths) == 0 {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(paths))
	for alias, path := range paths {
		if v, ok := dotPath(raw, path); ok {
			out[alias] = v
		}
	}
	return out
}

// DotPath resolves a "a.b.2.c" style path against nested maps/slices. It is
// exported so other components (the pipeline executor) can resolve slots
// against arbitrary scopes using the same walker.
func DotPath(root interface{}, path string) (interface{}, bool) {
	return dotPath(root, path)
}

// dotPath resolves a "a.b.2.c" style path against nested maps/slices.
func dotPath(root interface{}, path string) (interface{}, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
