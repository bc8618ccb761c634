package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"
)

// The validator understands the subset of JSON Schema the registry's
// tool definitions use: type, properties, required, minProperties,
// enum, minLength, maxLength, pattern, format (date-time, date),
// minimum, maximum, exclusiveMinimum, items, minItems and maxItems.
// Objects are always closed: properties not listed are rejected.

var patternCache sync.Map // string -> *regexp.Regexp

// decodeArgs parses a tool payload, validates it against schema and
// returns the normalized JSON (integers re-encoded as integers).
func decodeArgs(tool string, schema map[string]any, raw json.RawMessage) (json.RawMessage, map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, &ValidationError{Tool: tool, Reason: "payload is not valid JSON: " + err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, &ValidationError{Tool: tool, Reason: "trailing data after JSON payload"}
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, nil, &ValidationError{Tool: tool, Reason: "payload is not a JSON object"}
	}

	norm, err := validateValue(tool, "", schema, v)
	if err != nil {
		return nil, nil, err
	}
	args := norm.(map[string]any)

	out, err := json.Marshal(args)
	if err != nil {
		return nil, nil, &ValidationError{Tool: tool, Reason: err.Error()}
	}
	return out, args, nil
}

func validateValue(tool, path string, schema map[string]any, v any) (any, error) {
	fail := func(format string, a ...any) error {
		return &ValidationError{Tool: tool, Field: path, Reason: fmt.Sprintf(format, a...)}
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fail("must be an object, got %s", jsonType(v))
		}
		return validateObject(tool, path, schema, obj)

	case "array":
		arr, ok := v.([]any)
		if !ok {
			return nil, fail("must be an array, got %s", jsonType(v))
		}
		if n, ok := intKeyword(schema, "minItems"); ok && len(arr) < n {
			return nil, fail("must have at least %d items", n)
		}
		if n, ok := intKeyword(schema, "maxItems"); ok && len(arr) > n {
			return nil, fail("must have at most %d items", n)
		}
		items, _ := schema["items"].(map[string]any)
		out := make([]any, len(arr))
		for i, item := range arr {
			if items == nil {
				out[i] = item
				continue
			}
			nv, err := validateValue(tool, fmt.Sprintf("%s[%d]", path, i), items, item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil

	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, fail("must be a string, got %s", jsonType(v))
		}
		if n, ok := intKeyword(schema, "minLength"); ok && len([]rune(s)) < n {
			if n == 1 {
				return nil, fail("must not be empty")
			}
			return nil, fail("must be at least %d characters", n)
		}
		if n, ok := intKeyword(schema, "maxLength"); ok && len([]rune(s)) > n {
			return nil, fail("must be at most %d characters", n)
		}
		if enum, ok := schema["enum"].([]string); ok && !contains(enum, s) {
			return nil, fail("must be one of %v, got %q", enum, s)
		}
		if p, ok := schema["pattern"].(string); ok && !compiled(p).MatchString(s) {
			return nil, fail("does not match pattern %s", p)
		}
		switch schema["format"] {
		case "date-time":
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return nil, fail("must be an RFC 3339 timestamp")
			}
		case "date":
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return nil, fail("must be a YYYY-MM-DD date")
			}
		}
		return s, nil

	case "integer", "number":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fail("must be a%s %s, got %s", article(typ), typ, jsonType(v))
		}
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fail("is not a finite number")
		}
		if typ == "integer" && f != math.Trunc(f) {
			return nil, fail("must be an integer, got %s", n.String())
		}
		if lo, ok := numKeyword(schema, "minimum"); ok && f < lo {
			return nil, fail("must be >= %v", lo)
		}
		if lo, ok := numKeyword(schema, "exclusiveMinimum"); ok && f <= lo {
			return nil, fail("must be > %v", lo)
		}
		if hi, ok := numKeyword(schema, "maximum"); ok && f > hi {
			return nil, fail("must be <= %v", hi)
		}
		if typ == "integer" {
			return int64(f), nil
		}
		return f, nil

	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, fail("must be a boolean, got %s", jsonType(v))
		}
		return b, nil
	}

	return v, nil
}

func validateObject(tool, path string, schema map[string]any, obj map[string]any) (any, error) {
	props, _ := schema["properties"].(map[string]any)

	// Sorted so the first reported error is stable.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := props[k]; !ok {
			return nil, &ValidationError{Tool: tool, Field: join(path, k), Reason: "unknown property"}
		}
	}
	required, _ := schema["required"].([]string)
	for _, k := range required {
		if _, ok := obj[k]; !ok {
			return nil, &ValidationError{Tool: tool, Field: join(path, k), Reason: "is required"}
		}
	}
	if n, ok := intKeyword(schema, "minProperties"); ok && len(obj) < n {
		return nil, &ValidationError{Tool: tool, Field: path, Reason: fmt.Sprintf("must set at least %d properties", n)}
	}

	out := make(map[string]any, len(obj))
	for _, k := range keys {
		ps, _ := props[k].(map[string]any)
		nv, err := validateValue(tool, join(path, k), ps, obj[k])
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func article(typ string) string {
	if typ == "integer" {
		return "n"
	}
	return ""
}

func intKeyword(schema map[string]any, key string) (int, bool) {
	f, ok := numKeyword(schema, key)
	return int(f), ok
}

func numKeyword(schema map[string]any, key string) (float64, bool) {
	switch n := schema[key].(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compiled(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(pattern)
	patternCache.Store(pattern, re)
	return re
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
