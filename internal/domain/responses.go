package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// Responses maps response field names to JSON values. Nested objects are
// addressed with dotted paths.
type Responses map[string]any

// Get resolves a dotted path. Missing segments report false.
func (r Responses) Get(path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate objects.
func (r Responses) Set(path string, v any) {
	if r == nil || path == "" {
		return
	}
	parts := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Clone deep-copies the map through its JSON form.
func (r Responses) Clone() Responses {
	if r == nil {
		return Responses{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		out := Responses{}
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	out := Responses{}
	_ = json.Unmarshal(data, &out)
	return out
}

// Merge copies every top-level key of src into r.
func (r Responses) Merge(src Responses) {
	for k, v := range src {
		r[k] = v
	}
}

// ChangedKeys lists top-level keys whose values differ between a and b.
func ChangedKeys(a, b Responses) []string {
	seen := map[string]bool{}
	var out []string
	for k, v := range a {
		seen[k] = true
		if w, ok := b[k]; !ok || !sameJSON(v, w) {
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Keys returns the sorted top-level keys.
func (r Responses) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameJSON(a, b any) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(x) == string(y)
}

// SameValue compares two decoded JSON values structurally.
func SameValue(a, b any) bool {
	return sameJSON(a, b)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Responses:
		return map[string]any(m), true
	}
	return nil, false
}
