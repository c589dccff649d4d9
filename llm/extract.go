package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// extractJSON strips markdown code fences, locates the first '{', and
// parses the remainder as JSON. On failure it wraps the raw text as
// {"text": raw} (spec §4.6).
func extractJSON(raw string) map[string]interface{} {
	candidate := raw
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}

	if idx := strings.IndexByte(candidate, '{'); idx >= 0 {
		candidate = candidate[idx:]
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		return parsed
	}
	return map[string]interface{}{"text": raw}
}

// validateSchema checks each schema field's declared type against the
// parsed output. Supported types: string, float, boolean, object,
// object|null.
func validateSchema(parsed map[string]interface{}, schema map[string]string) error {
	for field, typ := range schema {
		v, present := parsed[field]
		nullable := strings.HasSuffix(typ, "|null")
		baseType := strings.TrimSuffix(typ, "|null")

		if !present || v == nil {
			if nullable {
				continue
			}
			return fmt.Errorf("llm: missing required field %q", field)
		}

		if !matchesType(v, baseType) {
			return fmt.Errorf("llm: field %q expected type %s, got %T", field, typ, v)
		}
	}
	return nil
}

func matchesType(v interface{}, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "float":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return true
	}
}
