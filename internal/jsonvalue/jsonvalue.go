// Package jsonvalue holds the JSON value tree shared by every component:
// node instances, scopes, and the message codec all pass values around as
// plain `any`, decoded/encoded through encoding/json.
package jsonvalue

import "encoding/json"

// Value is a decoded JSON value: nil, bool, float64, string, []any, or
// map[string]any (the same shapes encoding/json produces for `any`).
type Value = any

// Clone deep-copies a decoded JSON value by round-tripping it through
// encoding/json; the copy shares no maps or slices with v.
func Clone(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Value
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Object builds a map[string]any, the JSON object representation.
func Object(pairs ...any) map[string]any {
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		m[key] = pairs[i+1]
	}
	return m
}

// AsObject returns v as a map[string]any, or an empty map if v isn't one.
func AsObject(v Value) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Merge shallow-merges src into a copy of dst, src winning on key conflicts.
func Merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
