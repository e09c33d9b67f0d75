package storage

import (
	"encoding/json"
	"fmt"
)

// CanonicalJSON marshals v with object keys sorted at every level, so
// two writes of the same logical object produce byte-identical columns.
func CanonicalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	// Round-trip through any: encoding/json emits map keys in sorted
	// order, which canonicalises nested objects regardless of the
	// original Go type.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", fmt.Errorf("canonicalise json column: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("remarshal json column: %w", err)
	}
	return string(out), nil
}

// DecodeObject unmarshals a JSON column into a generic object. Empty and
// "null" columns decode to an empty map.
func DecodeObject(raw string) map[string]any {
	if raw == "" || raw == "null" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
