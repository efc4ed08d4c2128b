// Package jsonx wraps encoding/json with the decoding conventions the
// gateway protocol relies on: integers that fit int64 stay integers, object
// keys serialize in lexicographic order, and \uXXXX surrogate pairs combine
// into single codepoints.
package jsonx

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Parse decodes one JSON document. Objects become map[string]any, arrays
// []any, numbers int64 when they fit a signed 64-bit slot and float64
// otherwise.
func Parse(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "jsonx: parse")
	}
	return normalize(v), nil
}

// Stringify serializes v. Map keys come out sorted (encoding/json guarantee)
// so output is deterministic for equal inputs.
func Stringify(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "jsonx: stringify")
	}
	return string(b), nil
}

func normalize(v any) any {
	switch vv := v.(type) {
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return i
		}
		if f, err := vv.Float64(); err == nil {
			return f
		}
		return vv.String()
	case map[string]any:
		for k, e := range vv {
			vv[k] = normalize(e)
		}
		return vv
	case []any:
		for i, e := range vv {
			vv[i] = normalize(e)
		}
		return vv
	}
	return v
}

// Obj returns m[key] as an object, or nil when absent or a different type.
func Obj(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

// Arr returns m[key] as an array, or nil.
func Arr(m map[string]any, key string) []any {
	a, _ := m[key].([]any)
	return a
}

// Str returns m[key] as a string, or def.
func Str(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

// I64 returns m[key] as an int64, accepting integer and float encodings.
func I64(m map[string]any, key string, def int64) int64 {
	switch n := m[key].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return def
}

// I32 returns m[key] narrowed to int32.
func I32(m map[string]any, key string, def int32) int32 {
	return int32(I64(m, key, int64(def)))
}
