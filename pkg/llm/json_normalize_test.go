package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNormalizeJSON_JoinsStringArrayField(t *testing.T) {
	input := `{"entities": [{"canonical_name": "Redis", "description": ["cache", "session store"]}]}`

	normalized, changed, err := NormalizeJSON([]byte(input), DefaultListKeys...)
	require.NoError(t, err)
	assert.True(t, changed)

	out := decodeMap(t, normalized)
	entities := out["entities"].([]any)
	require.Len(t, entities, 1)
	entity := entities[0].(map[string]any)
	assert.Equal(t, "cache, session store", entity["description"])
	assert.Equal(t, "Redis", entity["canonical_name"])
}

func TestNormalizeJSON_KeepsListKeys(t *testing.T) {
	input := `{"title": "Storage", "key_findings": ["uses Postgres", "uses Redis"]}`

	normalized, changed, err := NormalizeJSON([]byte(input), DefaultListKeys...)
	require.NoError(t, err)
	assert.False(t, changed)

	out := decodeMap(t, normalized)
	assert.Equal(t, []any{"uses Postgres", "uses Redis"}, out["key_findings"])
}

func TestNormalizeJSON_WithoutListKeysJoinsEverything(t *testing.T) {
	input := `{"key_findings": ["a", "b"]}`

	normalized, changed, err := NormalizeJSON([]byte(input))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "a, b", decodeMap(t, normalized)["key_findings"])
}

func TestNormalizeJSON_TopLevelArrayPreserved(t *testing.T) {
	normalized, changed, err := NormalizeJSON([]byte(`["a", "b"]`))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, `["a", "b"]`, string(normalized))
}

func TestNormalizeJSON_EmptyArrayKept(t *testing.T) {
	normalized, changed, err := NormalizeJSON([]byte(`{"relationships": [], "tags": []}`), DefaultListKeys...)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, `{"relationships": [], "tags": []}`, string(normalized))
}

func TestNormalizeJSON_MixedArrayUntouched(t *testing.T) {
	input := `{"values": ["a", 1, true]}`

	normalized, changed, err := NormalizeJSON([]byte(input))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, input, string(normalized))
}

func TestNormalizeJSON_NestedObjects(t *testing.T) {
	input := `{"outer": {"inner": {"name": ["x", "y"]}}}`

	normalized, changed, err := NormalizeJSON([]byte(input))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"outer": {"inner": {"name": "x, y"}}}`, string(normalized))
}

func TestNormalizeJSON_InvalidInput(t *testing.T) {
	_, _, err := NormalizeJSON([]byte(`{"broken":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON")
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Relationships []struct {
			Source string `json:"source_entity"`
			Type   string `json:"relationship_type"`
		} `json:"relationships"`
	}
	raw := "```json\n{\"relationships\": [{\"source_entity\": [\"Frontend\"], \"relationship_type\": \"uses\"}]}\n```"

	require.NoError(t, DecodeJSON(raw, &out, nil))
	require.Len(t, out.Relationships, 1)
	assert.Equal(t, "Frontend", out.Relationships[0].Source)
	assert.Equal(t, "uses", out.Relationships[0].Type)
}
