package validators

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field is a string value found in a payload together with its path
type Field struct {
	Path  string
	Value string
}

// Normalize turns raw payloads into generic JSON values. Bytes that are not
// JSON are treated as a string; structs are round-tripped through JSON.
func Normalize(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return decodeOrString(v)
	case []byte:
		return decodeOrString(v)
	case string, bool, float64, int, int64, map[string]any, []any:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return decodeOrString(b)
	}
}

func decodeOrString(b []byte) any {
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

// Walk visits every node of a normalized payload in deterministic order.
// depth is 0 for the root.
func Walk(payload any, fn func(path string, value any, depth int)) {
	walk("", payload, 0, fn)
}

func walk(path string, v any, depth int, fn func(string, any, int)) {
	fn(path, v, depth)

	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(joinPath(path, k), node[k], depth+1, fn)
		}
	case []any:
		for i, item := range node {
			walk(path+"["+strconv.Itoa(i)+"]", item, depth+1, fn)
		}
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Strings returns every string value of the payload
func Strings(payload any) []Field {
	var fields []Field
	Walk(Normalize(payload), func(path string, v any, _ int) {
		if s, ok := v.(string); ok {
			fields = append(fields, Field{Path: path, Value: s})
		}
	})
	return fields
}

// Depth returns the nesting depth of containers; a scalar has depth 0
func Depth(payload any) int {
	deepest := 0
	Walk(Normalize(payload), func(_ string, v any, depth int) {
		switch v.(type) {
		case map[string]any, []any:
			if depth+1 > deepest {
				deepest = depth + 1
			}
		}
	})
	return deepest
}

// LargestCollection returns the path and length of the biggest map or slice
func LargestCollection(payload any) (string, int) {
	bestPath, best := "", 0
	Walk(Normalize(payload), func(path string, v any, _ int) {
		n := 0
		switch node := v.(type) {
		case map[string]any:
			n = len(node)
		case []any:
			n = len(node)
		}
		if n > best {
			bestPath, best = path, n
		}
	})
	return bestPath, best
}

// EncodedSize returns the size of the payload in bytes
func EncodedSize(payload any) int {
	switch v := payload.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	case []byte:
		return len(v)
	case json.RawMessage:
		return len(v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return len(b)
}

// Lookup resolves a dotted path ("user.email", "messages.0.role") in a payload
func Lookup(payload any, path string) (any, bool) {
	cur := Normalize(payload)
	if path == "" {
		return cur, cur != nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// digest renders the payload deterministically for cache keys
func digest(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case []byte:
		return "b:" + string(v)
	case json.RawMessage:
		return "b:" + string(v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%T:%v", payload, payload)
	}
	return "j:" + string(b)
}
