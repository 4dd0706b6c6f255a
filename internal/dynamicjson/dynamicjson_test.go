package dynamicjson_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
	"stageline/internal/dynamicjson"
)

func slotSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"day":  map[string]any{"type": "string", "enum": []any{"mon", "tue"}, "enumNames": []any{"Monday", "Tuesday"}},
			"hour": map[string]any{"type": "string", "enum": []any{"9", "10"}},
			"room": map[string]any{"type": "string", "enum": []any{"a", "b"}},
		},
		"required": []any{"day", "hour", "room"},
	}
}

func enumOf(t *testing.T, schema map[string]any, field string) []any {
	t.Helper()
	props := schema["properties"].(map[string]any)
	prop, ok := props[field].(map[string]any)
	require.True(t, ok, "field %s missing", field)
	return prop["enum"].([]any)
}

func TestNarrowMainField(t *testing.T) {
	cfg := domain.DynamicJSON{Main: "day", Foreign: []string{"hour"}, Count: 2}
	prior := []domain.Responses{{"day": "mon", "hour": "9"}, {"day": "mon", "hour": "10"}}
	out := dynamicjson.Narrow(slotSchema(), cfg, domain.Responses{}, prior)
	assert.Equal(t, []any{"tue"}, enumOf(t, out, "day"))
	names := out["properties"].(map[string]any)["day"].(map[string]any)["enumNames"]
	assert.Equal(t, []any{"Tuesday"}, names)
	// original untouched
	assert.Len(t, enumOf(t, slotSchema(), "day"), 2)
}

func TestNarrowForeignUnderChosenPrefix(t *testing.T) {
	cfg := domain.DynamicJSON{Main: "day", Foreign: []string{"hour", "room"}, Count: 1}
	prior := []domain.Responses{{"day": "mon", "hour": "9", "room": "a"}}
	out := dynamicjson.Narrow(slotSchema(), cfg, domain.Responses{"day": "mon", "hour": "9"}, prior)
	assert.Equal(t, []any{"tue"}, enumOf(t, out, "day"))
	assert.Equal(t, []any{"10"}, enumOf(t, out, "hour"))
	assert.Equal(t, []any{"b"}, enumOf(t, out, "room"))

	out = dynamicjson.Narrow(slotSchema(), cfg, domain.Responses{"day": "tue", "hour": "9"}, prior)
	assert.Equal(t, []any{"9", "10"}, enumOf(t, out, "hour"))
	assert.Equal(t, []any{"a", "b"}, enumOf(t, out, "room"))
}

func TestNarrowElidesAfterUnansweredForeign(t *testing.T) {
	cfg := domain.DynamicJSON{Main: "day", Foreign: []string{"hour", "room"}, Count: 1}
	out := dynamicjson.Narrow(slotSchema(), cfg, domain.Responses{"day": "mon"}, nil)
	props := out["properties"].(map[string]any)
	assert.Contains(t, props, "hour")
	assert.NotContains(t, props, "room")
	assert.Equal(t, []any{"day", "hour"}, out["required"])
}

func TestHarvest(t *testing.T) {
	prior := []domain.Responses{
		{"tag": "x"},
		{"tag": []any{"y", "x"}},
		{"other": "z"},
		{"tag": "z"},
	}
	got := dynamicjson.Harvest(prior, "tag")
	if diff := cmp.Diff([]any{"x", "y", "z"}, got); diff != "" {
		t.Fatalf("harvest mismatch (-want +got):\n%s", diff)
	}
	out := dynamicjson.WithOptions(slotSchema(), "room", got)
	assert.Equal(t, got, enumOf(t, out, "room"))
}

func TestFromReply(t *testing.T) {
	inner := map[string]any{"type": "object"}
	assert.Equal(t, inner, dynamicjson.FromReply(map[string]any{"schema": inner}))
	assert.Equal(t, inner, dynamicjson.FromReply(inner))
}
