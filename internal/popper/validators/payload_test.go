package validators

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, Normalize([]byte(`{"a":1}`)))
	assert.Equal(t, map[string]any{"a": "b"}, Normalize(json.RawMessage(`{"a":"b"}`)))
	assert.Equal(t, "not json", Normalize([]byte("not json")))
	assert.Equal(t, "plain", Normalize("plain"))

	type msg struct {
		Text string `json:"text"`
	}
	assert.Equal(t, map[string]any{"text": "hi"}, Normalize(msg{Text: "hi"}))
}

func TestStrings_PathsAreDeterministic(t *testing.T) {
	payload := map[string]any{
		"model": "gpt",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
		"n": 1,
	}

	fields := Strings(payload)
	require.Len(t, fields, 3)
	assert.Equal(t, Field{Path: "messages[0].content", Value: "hello"}, fields[0])
	assert.Equal(t, Field{Path: "messages[0].role", Value: "user"}, fields[1])
	assert.Equal(t, Field{Path: "model", Value: "gpt"}, fields[2])

	assert.Equal(t, []Field{{Path: "", Value: "raw"}}, Strings("raw"))
}

func TestDepthAndCollections(t *testing.T) {
	assert.Equal(t, 0, Depth("scalar"))
	assert.Equal(t, 1, Depth(map[string]any{"a": 1}))
	assert.Equal(t, 3, Depth(map[string]any{"a": []any{map[string]any{"b": 1}}}))

	path, n := LargestCollection(map[string]any{"items": []any{1, 2, 3}, "x": 1})
	assert.Equal(t, "items", path)
	assert.Equal(t, 3, n)
}

func TestLookup(t *testing.T) {
	payload := []byte(`{"user":{"email":"a@b.c"},"messages":[{"role":"user"}]}`)

	v, ok := Lookup(payload, "user.email")
	require.True(t, ok)
	assert.Equal(t, "a@b.c", v)

	v, ok = Lookup(payload, "messages.0.role")
	require.True(t, ok)
	assert.Equal(t, "user", v)

	_, ok = Lookup(payload, "messages.1.role")
	assert.False(t, ok)
	_, ok = Lookup(payload, "user.name")
	assert.False(t, ok)
	_, ok = Lookup(payload, "user.email.domain")
	assert.False(t, ok)
}

func TestEncodedSize(t *testing.T) {
	assert.Equal(t, 5, EncodedSize("hello"))
	assert.Equal(t, 7, EncodedSize(map[string]any{"a": 1}))
	assert.Equal(t, 0, EncodedSize(nil))
}
