package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjectDirect(t *testing.T) {
	obj, err := ExtractObject(`{"satisfied": true, "score": 4}`)
	require.NoError(t, err)
	assert.Equal(t, true, obj["satisfied"])
	assert.Equal(t, float64(4), obj["score"])
}

func TestExtractObjectFenced(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"nodes\": [], \"edges\": []}\n```\nDone."
	obj, err := ExtractObject(raw)
	require.NoError(t, err)
	assert.Contains(t, obj, "nodes")
	assert.Contains(t, obj, "edges")
}

func TestExtractObjectStripsThink(t *testing.T) {
	raw := "<think>let me reason about this {not json}</think>{\"query\": \"sun tzu\"}"
	obj, err := ExtractObject(raw)
	require.NoError(t, err)
	assert.Equal(t, "sun tzu", obj["query"])
}

func TestExtractObjectBraceMatching(t *testing.T) {
	raw := `The answer is {"name": "Liu Bei", "meta": {"role": "lord {of Shu}"}} as requested.`
	obj, err := ExtractObject(raw)
	require.NoError(t, err)
	assert.Equal(t, "Liu Bei", obj["name"])
	meta := obj["meta"].(map[string]any)
	assert.Equal(t, "lord {of Shu}", meta["role"])
}

func TestExtractObjectFixesEscapes(t *testing.T) {
	// Literal newline inside a string value.
	raw := "{\"text\": \"line one\nline two\"}"
	obj, err := ExtractObject(raw)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", obj["text"])
}

func TestExtractObjectNoJSON(t *testing.T) {
	_, err := ExtractObject("there is no structure here")
	assert.Error(t, err)

	_, err = ExtractObject("")
	assert.Error(t, err)
}

func TestExtractArray(t *testing.T) {
	arr, err := ExtractArray("```\n[{\"pattern\": \"X是Y\"}, {\"pattern\": \"X位于Y\"}]\n```")
	require.NoError(t, err)
	require.Len(t, arr, 2)
}

func TestDecode(t *testing.T) {
	var out struct {
		Satisfied    bool   `json:"satisfied"`
		RefinedQuery string `json:"refined_query"`
	}
	err := Decode("```json\n{\"satisfied\": false, \"refined_query\": \"art of war author\"}\n```", &out)
	require.NoError(t, err)
	assert.False(t, out.Satisfied)
	assert.Equal(t, "art of war author", out.RefinedQuery)
}
