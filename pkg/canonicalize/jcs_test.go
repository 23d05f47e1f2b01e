package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<script>alert('xss')</script> &"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	b, err := JCS(json.RawMessage(`{"num":1.50,"exp":1e2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"exp":100,"num":1.5}`, string(b))
}

func TestJCS_NFCNormalization(t *testing.T) {
	// "é" as a precomposed rune and as e + combining acute accent.
	composed, err := CanonicalHash(map[string]string{"city": "Caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := CanonicalHash(map[string]string{"city": "Cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestJCS_RejectsTrailingData(t *testing.T) {
	_, err := JCS(json.RawMessage(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalHash_Stability(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(S{A: 1, B: 2})
	require.NoError(t, err)
	h3, err := CanonicalHash(json.RawMessage("{ \"b\": 2, \"a\": 1 }"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestDocumentHash_IgnoresSchemaTag(t *testing.T) {
	a := contracts.MustDocument("lead.score", "1", map[string]int{"test": 1})
	b := contracts.MustDocument("", "", map[string]int{"test": 1})

	ha, err := DocumentHash(a)
	require.NoError(t, err)
	hb, err := DocumentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	empty, err := DocumentHash(contracts.Document{})
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("null")), empty)
}

func TestCanonicalHash_RejectsKeysCollidingUnderNFC(t *testing.T) {
	// "e" + combining acute and precomposed "é" are distinct JSON keys that
	// normalize to the same string.
	raw := json.RawMessage("{\"e\u0301\":1,\"\u00e9\":2}")
	for i := 0; i < 50; i++ {
		_, err := CanonicalHash(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "collide under NFC")
	}

	nested := json.RawMessage("{\"outer\":[{\"e\u0301\":1,\"\u00e9\":2}]}")
	_, err := JCS(nested)
	require.Error(t, err)
}

func TestCanonicalHash_NormalizesSingleDecomposedKey(t *testing.T) {
	decomposed, err := CanonicalHash(json.RawMessage("{\"cafe\u0301\":\"cre\u0300me\"}"))
	require.NoError(t, err)
	composed, err := CanonicalHash(json.RawMessage("{\"caf\u00e9\":\"cr\u00e8me\"}"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}
