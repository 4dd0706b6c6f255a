// Package dynamicjson narrows a task-stage schema at edit time from the
// responses of tasks already completed at a source stage.
package dynamicjson

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Narrow returns a copy of schema with enums of cfg.Main and cfg.Foreign
// restricted. A value is dropped from a field once cfg.Count completed tasks
// share it together with the values already chosen for the preceding fields.
// Fields after an unanswered foreign field are removed from the schema.
func Narrow(schema map[string]any, cfg domain.DynamicJSON, responses domain.Responses, prior []domain.Responses) map[string]any {
	out := Copy(schema)
	chain := append([]string{cfg.Main}, cfg.Foreign...)
	for i, field := range chain {
		if i >= 2 {
			if _, answered := responses[chain[i-1]]; !answered {
				elide(out, chain[i:])
				break
			}
		}
		prefix, ok := prefixOf(chain[:i], responses)
		if !ok || cfg.Count <= 0 {
			continue
		}
		filterEnum(out, field, func(v any) bool {
			return countMatching(prior, chain[:i], prefix, field, v) < cfg.Count
		})
	}
	return out
}

// Harvest returns the ordered distinct values of field across prior responses.
// Array values contribute each element.
func Harvest(prior []domain.Responses, field string) []any {
	var out []any
	seen := map[string]bool{}
	add := func(v any) {
		if v == nil {
			return
		}
		key, err := json.Marshal(v)
		if err != nil || seen[string(key)] {
			return
		}
		seen[string(key)] = true
		out = append(out, v)
	}
	for _, r := range prior {
		v, ok := r.Get(field)
		if !ok {
			continue
		}
		if items, isList := v.([]any); isList {
			for _, item := range items {
				add(item)
			}
			continue
		}
		add(v)
	}
	return out
}

// WithOptions replaces the enum of field with options and drops its enumNames.
func WithOptions(schema map[string]any, field string, options []any) map[string]any {
	out := Copy(schema)
	prop := property(out, field)
	if prop == nil {
		return out
	}
	if options == nil {
		options = []any{}
	}
	target := prop
	if items, ok := prop["items"].(map[string]any); ok && prop["type"] == "array" {
		target = items
	}
	target["enum"] = options
	delete(target, "enumNames")
	return out
}

// FromReply extracts the replacement schema from a dynamic-schema webhook reply.
func FromReply(reply map[string]any) map[string]any {
	if s, ok := reply["schema"].(map[string]any); ok {
		return s
	}
	return reply
}

// Copy deep-copies a schema through its JSON form.
func Copy(schema map[string]any) map[string]any {
	out := map[string]any{}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func prefixOf(fields []string, responses domain.Responses) ([]any, bool) {
	prefix := make([]any, 0, len(fields))
	for _, f := range fields {
		v, ok := responses[f]
		if !ok || v == nil {
			return nil, false
		}
		prefix = append(prefix, v)
	}
	return prefix, true
}

func countMatching(prior []domain.Responses, fields []string, prefix []any, field string, value any) int {
	n := 0
	for _, r := range prior {
		match := true
		for i, f := range fields {
			if !domain.SameValue(r[f], prefix[i]) {
				match = false
				break
			}
		}
		if match && domain.SameValue(r[field], value) {
			n++
		}
	}
	return n
}

func properties(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	return props
}

func property(schema map[string]any, field string) map[string]any {
	prop, _ := properties(schema)[field].(map[string]any)
	return prop
}

// filterEnum keeps enum entries accepted by keep, with enumNames kept in step.
func filterEnum(schema map[string]any, field string, keep func(any) bool) {
	prop := property(schema, field)
	if prop == nil {
		return
	}
	enum, ok := prop["enum"].([]any)
	if !ok {
		return
	}
	names, hasNames := prop["enumNames"].([]any)
	kept := []any{}
	var keptNames []any
	for i, v := range enum {
		if !keep(v) {
			continue
		}
		kept = append(kept, v)
		if hasNames && i < len(names) {
			keptNames = append(keptNames, names[i])
		}
	}
	prop["enum"] = kept
	if hasNames {
		if keptNames == nil {
			keptNames = []any{}
		}
		prop["enumNames"] = keptNames
	}
}

func elide(schema map[string]any, fields []string) {
	props := properties(schema)
	drop := map[string]bool{}
	for _, f := range fields {
		drop[f] = true
		delete(props, f)
	}
	required, ok := schema["required"].([]any)
	if !ok {
		return
	}
	kept := []any{}
	for _, r := range required {
		if name, isStr := r.(string); isStr && drop[name] {
			continue
		}
		kept = append(kept, r)
	}
	schema["required"] = kept
}
